// Package modelruntime owns the two heavy inference models of the
// restoration pipeline: the context encoder and the denoiser.
//
// The models themselves are opaque. A Loader (for example the gRPC client in
// package modelclient) brings a model into memory and returns a handle that
// is closed to unload it. The Manager enforces the memory invariant of the
// pipeline: at most one heavy model is resident at any instant.
//
// # Scoped acquisition
//
// Models are never held directly by callers. They are lent for the duration
// of a function:
//
//	mgr := modelruntime.NewManager(loader, modelruntime.WithLogger(logger))
//	defer mgr.Close()
//
//	err := mgr.WithEncoder(ctx, func(enc modelruntime.Encoder) error {
//	    out, err := enc.Encode(ctx, img)
//	    ...
//	})
//	// encoder released and memory reclaimed here
//
//	err = mgr.WithDenoiser(ctx, func(den modelruntime.Denoiser) error {
//	    ...
//	})
//
// Release and reclamation run on every exit path, including errors and
// panics inside the function.
//
// # Configuration
//
// LoadConfig reads:
//
//	RESTORE_MODEL_ADDR=127.0.0.1:50071   # inference host
//	RESTORE_ENCODER_INPUT_SIZE=224       # square encoder input (32-1024)
//	RESTORE_ENCODER_OUTPUT=              # combined embedding output name
//	RESTORE_MEMORY_LIMIT_MB=0            # 0 disables the budget check
//	RESTORE_LOAD_TIMEOUT_SECONDS=120
package modelruntime
