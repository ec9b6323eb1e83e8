package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/segbox/internal/api"
	"github.com/andresmejia3/segbox/internal/client"
	"github.com/andresmejia3/segbox/internal/scheduler"
	"github.com/andresmejia3/segbox/internal/session"
	"github.com/andresmejia3/segbox/internal/types"
	"github.com/andresmejia3/segbox/internal/worker"
)

type segmentOptions struct {
	InputPath  string
	Boxes      []string
	OutputPath string
	MasksDir   string
	Remote     string
}

var segOpts segmentOptions

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Segment one image from a list of boxes without the UI",
	Example: `  segbox segment -i scan.png --box 10,10,100,100 --box 200,40,60,80 -o overlay.png
  segbox segment -i /data/scan.png --box 10,10,100,100 --remote http://localhost:3000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		boxes, err := validateSegmentFlags(&segOpts)
		if err != nil {
			return err
		}
		if segOpts.Remote != "" {
			return runRemoteSegment(cmd.Context(), segOpts, boxes, rootOpts.Model, os.Stderr)
		}
		return runSegment(cmd.Context(), segOpts, boxes, rootOpts.Model, os.Stderr)
	},
}

func init() {
	segmentCmd.Flags().StringVarP(&segOpts.InputPath, "input", "i", "", "Path to the image")
	segmentCmd.Flags().StringArrayVarP(&segOpts.Boxes, "box", "b", nil, "Box as x,y,width,height in image pixels (repeatable)")
	segmentCmd.Flags().StringVarP(&segOpts.OutputPath, "output", "o", "", "Write the composited overlay PNG here")
	segmentCmd.Flags().StringVar(&segOpts.MasksDir, "masks-dir", "", "Write each raw mask PNG into this directory")
	segmentCmd.Flags().StringVar(&segOpts.Remote, "remote", "", "Submit to a running segbox server instead of launching the worker locally (--input must be inside its upload dir)")

	segmentCmd.MarkFlagRequired("input")
	segmentCmd.MarkFlagRequired("box")
	rootCmd.AddCommand(segmentCmd)
}

// parseBox reads "x,y,width,height". Negative sizes are allowed and normalized later.
func parseBox(s string) (types.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.Rect{}, fmt.Errorf("box %q: want x,y,width,height", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.Rect{}, fmt.Errorf("box %q: %w", s, err)
		}
		v[i] = f
	}
	r := types.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if px := r.Normalize().PixelBounds(); px.Dx() <= 0 || px.Dy() <= 0 {
		return types.Rect{}, fmt.Errorf("box %q covers no whole pixel", s)
	}
	return r, nil
}

// validateSegmentFlags ensures all CLI arguments are valid before starting the worker.
func validateSegmentFlags(opts *segmentOptions) ([]types.Rect, error) {
	if opts.Remote == "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("input file does not exist: %w", err)
			}
			return nil, fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("input path %s is a directory, expected an image", opts.InputPath)
		}
	}
	if len(opts.Boxes) == 0 {
		return nil, fmt.Errorf("at least one --box is required")
	}
	boxes := make([]types.Rect, 0, len(opts.Boxes))
	for _, s := range opts.Boxes {
		r, err := parseBox(s)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, r)
	}
	if opts.Remote != "" && opts.OutputPath != "" {
		return nil, fmt.Errorf("--output needs the local worker; use --masks-dir with --remote")
	}
	return boxes, nil
}

type segmentResult struct {
	Box    types.BoundingBox
	JobID  string
	State  types.JobState
	Detail string
	Mask   []byte
}

// runSegment queues every box on a local session, waits for the queue to drain,
// then writes the overlay, the masks and a summary.
func runSegment(ctx context.Context, opts segmentOptions, boxes []types.Rect, model string, out io.Writer) error {
	gw, err := worker.New(Cfg.GatewayConfig(), Log)
	if err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}
	sess := session.New(gw, Log)
	defer sess.Close()

	img, err := sess.LoadImage(opts.InputPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🩻 Image %s (%dx%d), %d boxes, model %s\n", img.ID[:12], img.Width, img.Height, len(boxes), firstNonEmpty(model, gw.DefaultVariant()))

	bar := progressbar.NewOptions(len(boxes),
		progressbar.OptionSetDescription("🔬 Segmenting"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
	)

	// The session is private to this run, so every terminal event is one of ours.
	unsubscribe := sess.Subscribe(func(e scheduler.Event) {
		if e.Job.State.IsTerminal() {
			bar.Add(1)
		}
	})
	defer unsubscribe()

	results := make([]segmentResult, 0, len(boxes))
	for _, r := range boxes {
		box, jobID, err := sess.SubmitBox(r, model)
		if err != nil {
			return err
		}
		results = append(results, segmentResult{Box: box, JobID: jobID})
	}

	if err := sess.WaitIdle(ctx); err != nil {
		sess.Clear("interrupted")
		return fmt.Errorf("segmentation interrupted: %w", err)
	}
	bar.Finish()

	for i := range results {
		job, _ := sess.Job(results[i].JobID)
		results[i].State = job.State
		results[i].Detail = job.Error
		if job.Result != nil {
			results[i].Mask = job.Result.Data
			results[i].Detail = fmt.Sprintf("%dx%d mask", job.Result.Width, job.Result.Height)
		}
	}

	if opts.OutputPath != "" {
		data, err := sess.RenderPNG()
		if err != nil {
			return fmt.Errorf("failed to render overlay: %w", err)
		}
		if err := writeFile(opts.OutputPath, data); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n🖼️  Overlay written to %s\n", opts.OutputPath)
	}

	return finishSegment(opts, results, out)
}

// runRemoteSegment sends each box to a running server, one request at a time,
// so the server's queue keeps them in order.
func runRemoteSegment(ctx context.Context, opts segmentOptions, boxes []types.Rect, model string, out io.Writer) error {
	c := client.New(opts.Remote, Cfg.RequestTimeout)
	if err := c.Health(ctx); err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(boxes),
		progressbar.OptionSetDescription("🔬 Segmenting (remote)"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
	)

	var transportErr error
	results := make([]segmentResult, 0, len(boxes))
	for _, r := range boxes {
		n := r.Normalize()
		res := segmentResult{Box: types.BoundingBox{Rect: n}}
		resp, err := c.NewBox(ctx, api.NewBoxRequest{
			ImagePath:    opts.InputPath,
			Box:          api.BoxDTO{X: n.X, Y: n.Y, Width: n.Width, Height: n.Height},
			ModelVariant: model,
		})
		switch {
		case err == nil:
			res.Box.ID, res.Box.Label, res.JobID = resp.BoxID, types.BoxLabel(resp.BoxID), resp.JobID
			res.State = types.JobSucceeded
			if res.Mask, err = base64.StdEncoding.DecodeString(resp.Mask); err != nil {
				res.State, res.Detail = types.JobFailed, "undecodable mask: "+err.Error()
			}
		case ctx.Err() != nil:
			return fmt.Errorf("segmentation interrupted: %w", ctx.Err())
		default:
			res.State, res.Detail = types.JobFailed, err.Error()
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				res.Detail = apiErr.Message
			} else {
				// Server unreachable: record this box and stop, later ones cannot fare better.
				transportErr = err
			}
		}
		results = append(results, res)
		bar.Add(1)
		if transportErr != nil {
			break
		}
	}
	bar.Finish()

	if transportErr != nil {
		fmt.Fprintf(out, "\n⚠️  Stopped after %d of %d boxes: %v\n", len(results), len(boxes), transportErr)
	}
	return errors.Join(transportErr, finishSegment(opts, results, out))
}

// finishSegment writes masks and prints the summary. It fails if any box failed.
func finishSegment(opts segmentOptions, results []segmentResult, out io.Writer) error {
	if opts.MasksDir != "" {
		for _, r := range results {
			if len(r.Mask) == 0 {
				continue
			}
			name := fmt.Sprintf("mask_%s.png", r.Box.Label)
			if err := writeFile(filepath.Join(opts.MasksDir, name), r.Mask); err != nil {
				return err
			}
		}
	}

	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "📊 SEGMENTATION SUMMARY\n")
	fmt.Fprintf(out, "---------------------------------------------------------\n")
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BOX\tREGION\tSTATE\tDETAIL")
	failed := 0
	for _, r := range results {
		x0, y0, x1, y1 := r.Box.Corners()
		fmt.Fprintf(w, "%s\t[%d,%d,%d,%d]\t%s\t%s\n", r.Box.Label, x0, y0, x1, y1, r.State, r.Detail)
		if r.State != types.JobSucceeded {
			failed++
		}
	}
	w.Flush()
	fmt.Fprintf(out, "---------------------------------------------------------\n")

	Log.WithFields(logrus.Fields{"boxes": len(results), "failed": failed}).Debug("Segmentation finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d boxes failed", failed, len(results))
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
