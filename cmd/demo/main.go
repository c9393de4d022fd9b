package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"

	"github.com/vkngwrapper/backend"
	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/shader"
	"github.com/vkngwrapper/backend/texture"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}

type Vertex struct {
	Position mgl32.Vec3
	TexCoord mgl32.Vec2
}

// spirvCompiler loads precompiled SPIR-V from dir, named after the stage's file with a
// .spv suffix.
type spirvCompiler struct {
	dir string
}

func (c spirvCompiler) Compile(_ string, kind shader.StageKind, filename string) ([]uint32, error) {
	b, err := os.ReadFile(filepath.Join(c.dir, filename+".spv"))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s stage", kind)
	}
	if len(b)%4 != 0 {
		return nil, errors.Newf("%s: SPIR-V size %d is not a multiple of 4", filename, len(b))
	}
	code := make([]uint32, len(b)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return code, nil
}

type DemoApplication struct {
	configPath  string
	meshPath    string
	texturePath string
	shaderDir   string

	window *sdl.Window
	log    *slog.Logger

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver

	debugDriver      ext_debug_utils.ExtensionDriver
	debugMessenger   ext_debug_utils.DebugUtilsMessenger
	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface

	backend *backend.Backend
	target  *backend.Window

	vertices     []Vertex
	indices      []uint32
	vertexBuffer handle.Handle
	indexBuffer  handle.Handle

	shader   handle.Handle
	group    int
	draw     int
	texture  handle.Handle
	sampler  handle.Handle
	start    float64
	lastStat uint64
}

func (app *DemoApplication) Run() error {
	cfg := backend.DefaultConfig()
	if app.configPath != "" {
		var err error
		cfg, err = backend.LoadConfig(app.configPath)
		if err != nil {
			return err
		}
	}

	err := app.initWindow(cfg)
	if err != nil {
		return err
	}
	defer app.cleanup()

	err = app.initVulkan(cfg)
	if err != nil {
		return err
	}

	err = app.initScene()
	if err != nil {
		return err
	}

	return app.mainLoop()
}

func (app *DemoApplication) initWindow(cfg backend.Config) error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return err
	}

	window, err := sdl.CreateWindow(cfg.ApplicationName, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, 800, 600, sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return err
	}
	app.window = window

	app.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	return err
}

func (app *DemoApplication) initVulkan(cfg backend.Config) error {
	err := app.createInstance(cfg)
	if err != nil {
		return err
	}

	if cfg.Validation {
		app.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(app.instanceDriver)
		app.debugMessenger, _, err = app.debugDriver.CreateDebugUtilsMessenger(nil, app.debugMessengerOptions())
		if err != nil {
			return err
		}
	}

	app.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(app.instanceDriver)
	app.surface, err = vkng_sdl2.CreateSurface(app.instanceDriver.Instance(), app.surfaceExtension, app.window)
	if err != nil {
		return err
	}

	dev, err := device.Create(app.instanceDriver, app.surfaceExtension, app.surface)
	if err != nil {
		return err
	}

	app.backend, err = backend.Initialize(dev, spirvCompiler{dir: app.shaderDir}, cfg)
	if err != nil {
		return err
	}

	width, height := app.window.VulkanGetDrawableSize()
	app.target, err = app.backend.WindowCreate("main", app.surface, int(width), int(height))
	return err
}

func (app *DemoApplication) createInstance(cfg backend.Config) error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    cfg.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "vkngwrapper backend",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := app.window.VulkanGetInstanceExtensions()
	extensions, _, err := app.globalDriver.AvailableExtensions()
	if err != nil {
		return err
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Newf("createInstance: cannot initialize sdl: missing extension %s", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if cfg.Validation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)

		layers, _, err := app.globalDriver.AvailableLayers()
		if err != nil {
			return err
		}
		for _, layer := range validationLayers {
			_, hasValidation := layers[layer]
			if !hasValidation {
				return errors.Newf("createInstance: cannot add validation layer %s: not available, install the LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		instanceOptions.Next = app.debugMessengerOptions()
	}

	app.instanceDriver, _, err = app.globalDriver.CreateInstance(nil, instanceOptions)
	return err
}

func (app *DemoApplication) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    app.logDebug,
	}
}

func (app *DemoApplication) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	app.log.Log(context.Background(), level, data.Message, slog.String("type", msgType.String()))
	return false
}

func (app *DemoApplication) addVertex(decoder *obj.Decoder, uniqueVertices map[int]uint32, face obj.Face, faceIndex int) {
	vertInd := face.Vertices[faceIndex]
	index, vertexExists := uniqueVertices[vertInd]

	if !vertexExists {
		vert := Vertex{Position: mgl32.Vec3{
			decoder.Vertices[vertInd*3],
			decoder.Vertices[vertInd*3+1],
			decoder.Vertices[vertInd*3+2],
		}}

		if len(face.Uvs) > faceIndex {
			uvInd := face.Uvs[faceIndex]
			vert.TexCoord = mgl32.Vec2{
				decoder.Uvs[uvInd*2],
				1.0 - decoder.Uvs[uvInd*2+1],
			}
		}

		index = uint32(len(app.vertices))
		app.vertices = append(app.vertices, vert)
		uniqueVertices[vertInd] = index
	}

	app.indices = append(app.indices, index)
}

func (app *DemoApplication) loadModel() error {
	meshFile, err := os.Open(app.meshPath)
	if err != nil {
		return err
	}
	defer meshFile.Close()

	// Meshes without a material library get the decoder's default material.
	var matReader io.Reader = strings.NewReader("")
	matFile, err := os.Open(strings.TrimSuffix(app.meshPath, filepath.Ext(app.meshPath)) + ".mtl")
	if err == nil {
		defer matFile.Close()
		matReader = matFile
	}
	decoder, err := obj.DecodeReader(meshFile, matReader)
	if err != nil {
		return errors.Wrapf(err, "decode %s", app.meshPath)
	}

	uniqueVertices := make(map[int]uint32)
	for _, decodedObj := range decoder.Objects {
		for _, face := range decodedObj.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				app.addVertex(decoder, uniqueVertices, face, 0)
				app.addVertex(decoder, uniqueVertices, face, i-1)
				app.addVertex(decoder, uniqueVertices, face, i)
			}
		}
	}
	return nil
}

func encode(data any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, common.ByteOrder, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (app *DemoApplication) createMeshBuffers() error {
	vertexData, err := encode(app.vertices)
	if err != nil {
		return err
	}
	app.vertexBuffer, err = app.backend.BufferCreate(buffer.Vertex, len(vertexData), false)
	if err != nil {
		return err
	}
	if err := app.backend.BufferLoadRange(app.vertexBuffer, 0, vertexData); err != nil {
		return err
	}

	indexData, err := encode(app.indices)
	if err != nil {
		return err
	}
	app.indexBuffer, err = app.backend.BufferCreate(buffer.Index, len(indexData), false)
	if err != nil {
		return err
	}
	return app.backend.BufferLoadRange(app.indexBuffer, 0, indexData)
}

func (app *DemoApplication) loadTexture() error {
	app.texture, app.sampler = app.backend.Textures().Defaults()
	if app.texturePath == "" {
		return nil
	}

	f, err := os.Open(app.texturePath)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return errors.Wrapf(err, "decode %s", app.texturePath)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	bounds := rgba.Bounds()
	app.texture, err = app.backend.TextureAcquire(texture.Desc{
		Name:         filepath.Base(app.texturePath),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		ChannelCount: 4,
	})
	if err != nil {
		return err
	}
	if err := app.backend.TextureWriteData(app.texture, rgba.Pix); err != nil {
		return err
	}

	app.sampler, err = app.backend.SamplerAcquire(texture.DefaultSamplerConfig())
	return err
}

func (app *DemoApplication) initScene() error {
	err := app.loadModel()
	if err != nil {
		return err
	}

	err = app.createMeshBuffers()
	if err != nil {
		return err
	}

	err = app.loadTexture()
	if err != nil {
		return err
	}

	app.shader, err = app.backend.ShaderCreate(shader.Config{
		Name: "mesh",
		Stages: []shader.Stage{
			{Kind: shader.StageVertex, Filename: "mesh.vert"},
			{Kind: shader.StageFragment, Filename: "mesh.frag"},
		},
		Attributes: []shader.Attribute{
			{Name: "position", Type: shader.AttributeVec3},
			{Name: "uv", Type: shader.AttributeVec2},
		},
		Uniforms: []shader.Uniform{
			{Name: "view_projection", Type: shader.Mat4, Frequency: shader.PerFrame},
			{Name: "diffuse", Type: shader.Texture, Frequency: shader.PerGroup},
			{Name: "diffuse_sampler", Type: shader.Sampler, Frequency: shader.PerGroup},
			{Name: "model", Type: shader.Mat4, Frequency: shader.PerDraw},
		},
		CullMode:  core1_0.CullModeBack,
		FrontFace: core1_0.FrontFaceCounterClockwise,
		MaxGroups: 1,
		MaxDraws:  1,
	}, app.target.Layout())
	if err != nil {
		return err
	}

	app.group, err = app.backend.ShaderAcquireGroup(app.shader)
	if err != nil {
		return err
	}
	if err := app.backend.ShaderBindGroup(app.shader, app.group); err != nil {
		return err
	}
	if err := app.backend.ShaderSetTexture(app.shader, "diffuse", 0, app.texture); err != nil {
		return err
	}
	if err := app.backend.ShaderSetSampler(app.shader, "diffuse_sampler", 0, app.sampler); err != nil {
		return err
	}

	app.draw, err = app.backend.ShaderAcquireDraw(app.shader)
	app.start = hrtime.Now().Seconds()
	return err
}

func (app *DemoApplication) mainLoop() error {
appLoop:
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.KeyboardEvent:
				if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_v {
					cfg := app.backend.Config()
					app.backend.SetFlags(!cfg.VSync, cfg.PowerSaving)
				}
				if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_r {
					if err := app.backend.ShaderReload(app.shader); err != nil {
						app.log.Error("shader reload failed", slog.Any("error", err))
					}
				}
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					app.backend.WindowResized(app.target, 0, 0)
				case sdl.WINDOWEVENT_RESTORED, sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED:
					width, height := app.window.VulkanGetDrawableSize()
					app.backend.WindowResized(app.target, int(width), int(height))
				}
			}
		}

		err := app.drawFrame()
		if err != nil {
			return err
		}
	}

	return app.backend.Device().WaitIdle()
}

func (app *DemoApplication) drawFrame() error {
	b := app.backend
	b.FramePrepare()
	ok, err := b.FramePrepareWindowSurface(app.target)
	if err != nil || !ok {
		return err
	}

	if err := b.FrameCommandsBegin(app.target); err != nil {
		return err
	}
	if err := b.BeginRendering([]handle.Handle{app.target.ColorTarget}, app.target.DepthTarget, backend.DefaultClear); err != nil {
		return err
	}
	if err := app.recordMesh(); err != nil {
		return err
	}
	if err := b.EndRendering(); err != nil {
		return err
	}
	if err := b.FrameCommandsEnd(app.target); err != nil {
		return err
	}
	if err := b.FrameSubmit(app.target); err != nil {
		return err
	}
	if err := b.FramePresent(app.target); err != nil {
		return err
	}

	if n := b.FrameNumber(); n-app.lastStat >= 600 {
		app.lastStat = n
		stats := app.target.Stats()
		app.log.Info("frame stats",
			slog.Uint64("frames", stats.Frames),
			slog.Duration("fence_wait", stats.FenceWait),
			slog.Duration("frame_time", stats.FrameTime),
			slog.Duration("delta", b.Delta()))
	}
	return nil
}

func (app *DemoApplication) recordMesh() error {
	b := app.backend
	width, height := app.target.Extent()
	elapsed := hrtime.Now().Seconds() - app.start
	angle := float32(math.Mod(elapsed, 4.0) * math.Pi / 2.0)

	view := mgl32.LookAtV(mgl32.Vec3{2, 2, 2}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})
	proj := mgl32.Perspective(mgl32.DegToRad(45), float32(width)/float32(height), 0.1, 10)
	// Vulkan's clip space has Y pointing down.
	proj[5] *= -1

	if err := b.ShaderUse(app.shader); err != nil {
		return err
	}
	if err := b.ShaderSetUniform(app.shader, "view_projection", 0, proj.Mul4(view)); err != nil {
		return err
	}
	if err := b.ShaderApplyPerFrame(app.shader); err != nil {
		return err
	}
	if err := b.ShaderBindGroup(app.shader, app.group); err != nil {
		return err
	}
	if err := b.ShaderApplyPerGroup(app.shader); err != nil {
		return err
	}
	if err := b.ShaderBindDraw(app.shader, app.draw); err != nil {
		return err
	}
	if err := b.ShaderSetUniform(app.shader, "model", 0, mgl32.HomogRotate3DZ(angle)); err != nil {
		return err
	}
	if err := b.ShaderApplyPerDraw(app.shader); err != nil {
		return err
	}

	if err := b.BufferDraw(app.vertexBuffer, 0, len(app.vertices), true); err != nil {
		return err
	}
	return b.BufferDraw(app.indexBuffer, 0, len(app.indices), false)
}

func (app *DemoApplication) cleanup() {
	if app.backend != nil {
		app.backend.Shutdown()
	}

	if app.debugMessenger.Initialized() {
		app.debugDriver.DestroyDebugUtilsMessenger(app.debugMessenger, nil)
	}

	if app.surface.Initialized() {
		app.surfaceExtension.DestroySurface(app.surface, nil)
	}

	if app.instanceDriver != nil {
		app.instanceDriver.DestroyInstance(nil)
	}

	if app.window != nil {
		app.window.Destroy()
	}
	sdl.Quit()
}

func main() {
	runtime.LockOSThread()

	app := &DemoApplication{
		log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	flag.StringVar(&app.configPath, "config", "", "TOML backend configuration")
	flag.StringVar(&app.meshPath, "mesh", "meshes/viking_room.obj", "OBJ mesh to draw")
	flag.StringVar(&app.texturePath, "texture", "", "PNG texture for the mesh")
	flag.StringVar(&app.shaderDir, "shaders", "shaders", "directory of compiled SPIR-V stages")
	flag.Parse()

	backend.SetLogger(app.log)

	err := app.Run()
	if err != nil {
		app.log.Error("demo failed", slog.String("error", fmt.Sprintf("%+v", err)))
		os.Exit(1)
	}
}
