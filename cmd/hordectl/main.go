// cmd/hordectl/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	http_api "inference-horde/internal/api/http"
	"inference-horde/internal/client"
	"inference-horde/internal/domain"

	"github.com/spf13/pflag"
)

const usage = `usage: hordectl [global flags] <command> [flags]

commands:
  heartbeat                      check the node is alive
  performance                    show queue and worker figures
  modes [--maintenance=..]       show or change maintenance, invite-only and raid modes
  whoami                         show the user behind the api key
  transfer <name#id> <amount>    transfer kudos
  award <name#id> <amount>       award kudos (moderators)
  workers [--type=image]         list workers
  generate --prompt ..           submit an image request and wait for it
  text --prompt ..               submit a text request and wait for it
  status <variant> <id>          show the full status of a request
  cancel <variant> <id>          cancel a request
  worker --name ..               run a synthetic worker that answers every job

global flags:
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	global := pflag.NewFlagSet("hordectl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	baseURL := global.String("url", envOr("HORDE_URL", "http://localhost:8080"), "horde base URL")
	apiKey := global.String("apikey", envOr("HORDE_APIKEY", domain.AnonAPIKey), "API key")
	timeout := global.Duration("timeout", 30*time.Second, "per-request timeout")
	global.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, *apiKey, *timeout)
	if err := dispatch(ctx, c, args[0], args[1:], logger); err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "error: %s (%s, http %d)\n", apiErr.Message, apiErr.RC, apiErr.Status)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *client.Client, cmd string, args []string, logger *slog.Logger) error {
	switch cmd {
	case "heartbeat":
		if err := c.Heartbeat(ctx); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	case "performance":
		return printResult(c.Performance(ctx))
	case "modes":
		return modes(ctx, c, args)
	case "whoami":
		return printResult(c.FindUser(ctx))
	case "transfer", "award":
		if len(args) != 2 {
			return fmt.Errorf("%s needs <name#id> <amount>", cmd)
		}
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		if cmd == "transfer" {
			err = c.Transfer(ctx, args[0], amount)
		} else {
			err = c.Award(ctx, args[0], amount)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %.2f kudos to %s\n", cmd, amount, args[0])
		return nil
	case "workers":
		fs := pflag.NewFlagSet("workers", pflag.ContinueOnError)
		variant := fs.String("type", "", "image, text or interrogation")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return printResult(c.ListWorkers(ctx, domain.WorkerVariant(*variant)))
	case "generate":
		return generate(ctx, c, domain.VariantImage, args)
	case "text":
		return generate(ctx, c, domain.VariantText, args)
	case "status", "cancel":
		if len(args) != 2 {
			return fmt.Errorf("%s needs <variant> <id>", cmd)
		}
		variant := domain.WorkerVariant(args[0])
		if err := variant.Validate(); err != nil {
			return err
		}
		if cmd == "status" {
			return printResult(c.Status(ctx, variant, args[1]))
		}
		return printResult(c.Cancel(ctx, variant, args[1]))
	case "worker":
		return runWorker(ctx, c, args, logger)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func modes(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("modes", pflag.ContinueOnError)
	maintenance := fs.Bool("maintenance", false, "set maintenance mode")
	inviteOnly := fs.Bool("invite-only", false, "set worker invite-only mode")
	raid := fs.Bool("raid", false, "set raid mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var req http_api.ModesRequest
	if fs.Changed("maintenance") {
		req.Maintenance = maintenance
	}
	if fs.Changed("invite-only") {
		req.InviteOnly = inviteOnly
	}
	if fs.Changed("raid") {
		req.Raid = raid
	}
	if req.Maintenance == nil && req.InviteOnly == nil && req.Raid == nil {
		return printResult(c.Modes(ctx))
	}
	return printResult(c.SetModes(ctx, req))
}

func generate(ctx context.Context, c *client.Client, variant domain.WorkerVariant, args []string) error {
	fs := pflag.NewFlagSet(string(variant), pflag.ContinueOnError)
	prompt := fs.String("prompt", "", "prompt text")
	models := fs.StringSlice("models", nil, "acceptable models")
	n := fs.Int("n", 1, "number of generations")
	width := fs.Int("width", 512, "image width")
	height := fs.Int("height", 512, "image height")
	steps := fs.Int("steps", 30, "sampling steps")
	maxLength := fs.Int("max-length", 80, "tokens to generate")
	dryRun := fs.Bool("dry-run", false, "only estimate the kudos cost")
	noWait := fs.Bool("no-wait", false, "return right after submitting")
	poll := fs.Duration("poll", 2*time.Second, "status poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var body any
	switch variant {
	case domain.VariantImage:
		req := &http_api.ImageRequest{
			Prompt: *prompt,
			Params: http_api.ImageParams{N: *n, Width: *width, Height: *height, Steps: *steps},
		}
		req.Models = *models
		req.DryRun = *dryRun
		body = req
	default:
		req := &http_api.TextRequest{Prompt: *prompt, Params: http_api.TextParams{N: *n, MaxLength: *maxLength}}
		req.Models = *models
		req.DryRun = *dryRun
		body = req
	}

	res, err := c.Submit(ctx, variant, body)
	if err != nil {
		return err
	}
	if *dryRun || *noWait {
		return printResult(res, nil)
	}
	fmt.Fprintf(os.Stderr, "submitted %s (%.2f kudos), waiting...\n", res.ID, res.Kudos)
	return printResult(c.Wait(ctx, variant, res.ID, *poll))
}

// runWorker polls for jobs and answers each with a placeholder result.
func runWorker(ctx context.Context, c *client.Client, args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	name := fs.String("name", "", "worker name")
	variant := fs.String("type", string(domain.VariantImage), "image, text or interrogation")
	models := fs.StringSlice("models", nil, "served models")
	maxPixels := fs.Int("max-pixels", 1024*1024, "largest image served")
	interval := fs.Duration("interval", 2*time.Second, "idle poll interval")
	delay := fs.Duration("delay", 3*time.Second, "simulated work time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("worker needs --name")
	}
	v := domain.WorkerVariant(*variant)
	if err := v.Validate(); err != nil {
		return err
	}

	pop := http_api.PopRequest{
		Name:      *name,
		Models:    *models,
		MaxPixels: *maxPixels,
		MaxLength: 512,
		Threads:   1,
		Forms:     []string{domain.FormCaption},
	}
	logger = logger.With("worker", *name)
	for {
		job, err := c.Pop(ctx, v, pop)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("pop failed", "error", err)
		} else if job.ID != nil {
			logger.Info("got job", "id", *job.ID, "model", job.Model)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(*delay):
			}
			reward, err := c.SubmitResult(ctx, v, http_api.SubmitResultRequest{
				ID:         *job.ID,
				Generation: "synthetic result from " + *name,
				State:      string(domain.GenStateOK),
			})
			if err != nil {
				logger.Warn("submit failed", "id", *job.ID, "error", err)
			} else {
				logger.Info("submitted", "id", *job.ID, "reward", reward)
			}
			continue
		} else if len(job.Skipped) > 0 {
			logger.Debug("nothing to do", "skipped", job.Skipped)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
