package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/utils" // Using the SafeCommand wrapper
	"github.com/sirupsen/logrus"
)

// Kind classifies how a worker invocation failed.
type Kind string

const (
	KindExitCode      Kind = "exit_code"
	KindTimeout       Kind = "timeout"
	KindMissingOutput Kind = "missing_output"
)

// WorkerError is returned by Invoke when the process ran (or tried to) but produced no usable mask.
type WorkerError struct {
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *WorkerError) Error() string {
	var msg string
	switch e.Kind {
	case KindTimeout:
		msg = "worker timed out"
	case KindMissingOutput:
		msg = "worker exited 0 without a usable artifact"
	default:
		msg = fmt.Sprintf("worker exited with code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Config is everything the gateway needs to launch the worker.
type Config struct {
	Executable     string            // e.g. python3
	Script         string            // optional first argument, e.g. medsam_api.py
	Checkpoints    map[string]string // model variant -> weights path
	DefaultVariant string
	OutputDir      string
	Device         string // cpu or gpu
	GPUSelector    string // what "gpu" means to the worker, default cuda:0
	Timeout        time.Duration
	GracePeriod    time.Duration
	StderrLimit    int // bytes of stderr kept as the failure reason
}

// Request is one invocation: one image, one box, one model.
type Request struct {
	ImagePath    string
	Box          types.Rect
	ModelVariant string
	Device       string
}

// Gateway runs the worker process. It holds no per-invocation state; callers
// are responsible for not sharing OutputDir between concurrent invocations.
type Gateway struct {
	cfg Config
	log *logrus.Logger
}

func New(cfg Config, log *logrus.Logger) (*Gateway, error) {
	if cfg.Executable == "" {
		return nil, &types.ValidationError{Field: "executable", Reason: "must not be empty"}
	}
	if len(cfg.Checkpoints) == 0 {
		return nil, &types.ValidationError{Field: "checkpoints", Reason: "at least one model variant is required"}
	}
	if cfg.DefaultVariant == "" {
		cfg.DefaultVariant = sortedVariants(cfg.Checkpoints)[0]
	}
	if _, ok := cfg.Checkpoints[cfg.DefaultVariant]; !ok {
		return nil, &types.ValidationError{Field: "defaultVariant", Reason: fmt.Sprintf("%q has no checkpoint", cfg.DefaultVariant)}
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "segbox")
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.GPUSelector == "" {
		cfg.GPUSelector = "cuda:0"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = 4096
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{cfg: cfg, log: log}, nil
}

// Variants lists the configured model variants in sorted order.
func (g *Gateway) Variants() []string {
	return sortedVariants(g.cfg.Checkpoints)
}

func (g *Gateway) DefaultVariant() string { return g.cfg.DefaultVariant }

// ArtifactPath is where the worker writes the mask for imagePath.
func ArtifactPath(outputDir, imagePath string) string {
	return filepath.Join(outputDir, "seg_"+filepath.Base(imagePath)+".png")
}

// Args builds the worker command line (without the executable) for req.
func (g *Gateway) Args(req Request) ([]string, error) {
	x0, y0, x1, y1 := req.Box.Corners()
	if x1-x0 <= 0 || y1-y0 <= 0 {
		return nil, &types.ValidationError{Field: "box", Reason: fmt.Sprintf("pixel size %dx%d is empty", x1-x0, y1-y0)}
	}
	if req.ImagePath == "" {
		return nil, &types.ValidationError{Field: "imagePath", Reason: "must not be empty"}
	}

	variant := req.ModelVariant
	if variant == "" {
		variant = g.cfg.DefaultVariant
	}
	checkpoint, ok := g.cfg.Checkpoints[variant]
	if !ok {
		return nil, &types.ValidationError{Field: "modelVariant", Reason: fmt.Sprintf("unknown variant %q (have %s)", variant, strings.Join(g.Variants(), ", "))}
	}

	device, err := g.device(req.Device)
	if err != nil {
		return nil, err
	}

	var args []string
	if g.cfg.Script != "" {
		args = append(args, g.cfg.Script)
	}
	args = append(args,
		"-i", req.ImagePath,
		"-o", g.cfg.OutputDir,
		"-chk", checkpoint,
		"--box", fmt.Sprintf("[%d,%d,%d,%d]", x0, y0, x1, y1),
		"--device", device,
	)
	return args, nil
}

// Validate runs the same checks as Invoke without launching anything.
func (g *Gateway) Validate(req Request) error {
	_, err := g.Args(req)
	return err
}

func (g *Gateway) device(d string) (string, error) {
	if d == "" {
		d = g.cfg.Device
	}
	switch d {
	case "cpu":
		return "cpu", nil
	case "gpu":
		return g.cfg.GPUSelector, nil
	}
	return "", &types.ValidationError{Field: "device", Reason: fmt.Sprintf("%q is not cpu or gpu", d)}
}

// Invoke runs the worker once and returns the decoded mask. It blocks until the
// process has exited, even when ctx is cancelled, so the caller can rely on the
// process being gone once Invoke returns.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*types.MaskResult, error) {
	args, err := g.Args(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	artifact := ArtifactPath(g.cfg.OutputDir, req.ImagePath)
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale artifact: %w", err)
	}

	runCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	cmd := utils.NewSafeCommand(runCtx, g.cfg.Executable, args...)
	// Ask nicely first; exec kills the process once WaitDelay has passed.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = g.cfg.GracePeriod

	log := g.log.WithFields(logrus.Fields{
		"image":   req.ImagePath,
		"variant": req.ModelVariant,
		"box":     req.Box.PixelBounds().String(),
	})
	log.Debug("Launching worker")
	start := time.Now()

	runErr := cmd.Run()
	stderr := cmd.StderrTail(g.cfg.StderrLimit)

	if runErr != nil {
		if ctx.Err() != nil {
			log.WithField("elapsed", time.Since(start)).Info("Worker terminated after cancellation")
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.WithField("timeout", g.cfg.Timeout).Warn("Worker timed out")
			return nil, &WorkerError{Kind: KindTimeout, ExitCode: -1, Stderr: stderr, Err: fmt.Errorf("exceeded %s", g.cfg.Timeout)}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			log.WithField("exit_code", exitErr.ExitCode()).Warn("Worker failed")
			return nil, &WorkerError{Kind: KindExitCode, ExitCode: exitErr.ExitCode(), Stderr: stderr}
		}
		// The process never started (missing interpreter, bad permissions).
		return nil, &WorkerError{Kind: KindExitCode, ExitCode: -1, Stderr: stderr, Err: runErr}
	}

	data, err := os.ReadFile(artifact)
	if err != nil {
		return nil, &WorkerError{Kind: KindMissingOutput, Stderr: stderr, Err: err}
	}
	raster, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &WorkerError{Kind: KindMissingOutput, Stderr: stderr, Err: fmt.Errorf("artifact %s is not an image: %w", artifact, err)}
	}

	b := raster.Bounds()
	log.WithFields(logrus.Fields{"elapsed": time.Since(start), "mask": fmt.Sprintf("%dx%d", b.Dx(), b.Dy())}).Debug("Worker finished")

	return &types.MaskResult{
		Data:    data,
		Encoded: base64.StdEncoding.EncodeToString(data),
		Width:   b.Dx(),
		Height:  b.Dy(),
		Raster:  raster,
	}, nil
}

func sortedVariants(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
