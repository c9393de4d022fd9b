package vkapi

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

var (
	// ErrOutOfDate reports a swapchain that no longer matches its surface.
	ErrOutOfDate = errors.New("swapchain out of date")
	// ErrSuboptimal reports a swapchain that still presents but should be rebuilt.
	ErrSuboptimal = errors.New("swapchain suboptimal")
	// ErrTimeout reports a wait that expired before its object signalled.
	ErrTimeout = errors.New("wait timed out")
	// ErrDeviceLost reports a lost logical device.
	ErrDeviceLost = errors.New("device lost")
)

// IsSwapchainStale reports whether err asks for swapchain recreation.
func IsSwapchainStale(err error) bool {
	return errors.Is(err, ErrOutOfDate) || errors.Is(err, ErrSuboptimal)
}

func translate(res common.VkResult, err error, op string) error {
	switch res {
	case khr_swapchain.VKErrorOutOfDate:
		return ErrOutOfDate
	case khr_swapchain.VKSuboptimal:
		return ErrSuboptimal
	case core1_0.VKTimeout:
		return ErrTimeout
	case core1_0.VKErrorDeviceLost:
		return errors.Wrap(ErrDeviceLost, op)
	}
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}
