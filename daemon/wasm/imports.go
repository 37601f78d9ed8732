package wasm

import (
	"context"
	"encoding/binary"

	"github.com/containerd/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Host import namespaces. Modules import camera functions from "camera" and
// the ping probe from "network".
const (
	cameraModule  = "camera"
	networkModule = "network"
)

// instantiateHostImports wires the supervisor's host functions into a fresh
// runtime. Every module instance gets the same imports regardless of
// profile.
func instantiateHostImports(ctx context.Context, r wazero.Runtime, m *moduleRuntime, opts Options) error {
	camera := opts.Camera
	if camera == nil {
		camera = unavailableCamera{}
	}
	pinger := opts.Pinger
	if pinger == nil {
		pinger = &ICMPPinger{}
	}

	_, err := r.NewHostModuleBuilder(cameraModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			takeImageDynamicSize(ctx, mod, stack, camera, m.dataPtrExport)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("takeImageDynamicSize").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			takeImageStaticSize(ctx, mod, stack, camera)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("takeImageStaticSize").
		Instantiate(ctx)
	if err != nil {
		return err
	}

	_, err = r.NewHostModuleBuilder(networkModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			pingImport(ctx, stack, pinger)
		}),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeF32, api.ValueTypeF32, api.ValueTypeF32}).
		Export("ping").
		Instantiate(ctx)
	return err
}

// takeImageDynamicSize captures a JPEG frame and hands the module a
// (pointer, length) pair. The module provides an allocator export so the
// host can place the frame without clobbering live memory; without one the
// frame lands at offset 0.
func takeImageDynamicSize(ctx context.Context, mod api.Module, stack []uint64, camera Camera, allocExport string) {
	ptrPtr := api.DecodeU32(stack[0])
	sizePtr := api.DecodeU32(stack[1])

	frame, err := camera.Capture(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Error("camera capture failed")
		frame = nil
	}

	var offset uint32
	if allocExport != "" {
		if alloc := mod.ExportedFunction(allocExport); alloc != nil {
			if results, err := alloc.Call(ctx, uint64(len(frame))); err == nil && len(results) > 0 {
				offset = api.DecodeU32(results[0])
			} else if err != nil {
				log.G(ctx).WithError(err).WithField("export", allocExport).Error("image buffer allocation failed")
			}
		}
	}

	mem := mod.Memory()
	if mem == nil {
		return
	}
	if len(frame) > 0 && !mem.Write(offset, frame) {
		log.G(ctx).WithField("offset", offset).Error("image does not fit in module memory")
		return
	}
	writeLEU32(mem, ptrPtr, offset)
	writeLEU32(mem, sizePtr, uint32(len(frame)))
}

// takeImageStaticSize captures a JPEG frame truncated to the size the module
// requests at sizePtr and writes it to outPtr.
func takeImageStaticSize(ctx context.Context, mod api.Module, stack []uint64, camera Camera) {
	outPtr := api.DecodeU32(stack[0])
	sizePtr := api.DecodeU32(stack[1])

	mem := mod.Memory()
	if mem == nil {
		return
	}
	sizeBytes, ok := mem.Read(sizePtr, 4)
	if !ok {
		log.G(ctx).WithField("offset", sizePtr).Error("size pointer out of bounds")
		return
	}
	expected := binary.LittleEndian.Uint32(sizeBytes)

	frame, err := camera.Capture(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Error("camera capture failed")
		return
	}
	if uint32(len(frame)) > expected {
		frame = frame[:expected]
	}
	if !mem.Write(outPtr, frame) {
		log.G(ctx).WithField("offset", outPtr).Error("image does not fit in module memory")
	}
}

// pingImport sends ICMP echo probes to the IPv4 address built from four
// octets and returns (mean ms, stdev ms, loss ratio). Total failure reports
// full loss rather than trapping the module.
func pingImport(ctx context.Context, stack []uint64, pinger Pinger) {
	a := byte(api.DecodeU32(stack[0]))
	b := byte(api.DecodeU32(stack[1]))
	c := byte(api.DecodeU32(stack[2]))
	d := byte(api.DecodeU32(stack[3]))
	count := int(int32(api.DecodeU32(stack[4])))

	st, err := pinger.Ping(ctx, [4]byte{a, b, c, d}, count)
	if err != nil {
		log.G(ctx).WithError(err).Error("ping probe failed")
		st = PingStats{LossRatio: 1.0}
	}
	stack[0] = api.EncodeF32(st.MeanMs)
	stack[1] = api.EncodeF32(st.StdevMs)
	stack[2] = api.EncodeF32(st.LossRatio)
}

func writeLEU32(mem api.Memory, offset, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	mem.Write(offset, buf[:])
}
