package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rpcpipe/internal/client"
	"rpcpipe/internal/config"
	"rpcpipe/internal/version"
)

// batchCall is one element of the -batch flag
type batchCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file (defaults are used when empty)")
	endpoint := flag.String("endpoint", "", "node endpoint, overrides provider.endpointUri")
	method := flag.String("method", "", "JSON-RPC method to call")
	params := flag.String("params", "[]", "JSON array of call params")
	batch := flag.String("batch", "", `JSON array of calls sent as one batch, e.g. [{"method":"eth_chainId"}]`)
	check := flag.Bool("check", false, "probe the node and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *endpoint)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("version", version.Version).
		Str("provider", string(cfg.Provider.Type)).
		Str("endpoint", cfg.Provider.EndpointURI).
		Bool("cache", cfg.IsCacheEnabled()).
		Bool("retry", cfg.IsRetryEnabled()).
		Bool("breaker", cfg.IsBreakerEnabled()).
		Msg("starting rpcpipe")

	c, cleanup, err := buildClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, *check, *method, *params, *batch); err != nil {
		logger.Error().Err(err).Msg("request failed")
		cleanup()
		os.Exit(1)
	}
}

func loadConfig(path, endpoint string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		raw := []byte(`{}`)
		if endpoint != "" {
			raw, err = json.Marshal(map[string]interface{}{
				"provider": map[string]string{"endpointUri": endpoint},
			})
			if err != nil {
				return nil, err
			}
		}
		return config.Parse(raw)
	}

	cfg, err = config.Load(path)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		cfg.Provider.EndpointURI = endpoint
		cfg.Provider.Type = ""
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		return config.Parse(data)
	}
	return cfg, nil
}

func run(ctx context.Context, c *client.Client, check bool, method, params, batch string) error {
	switch {
	case check:
		ok, err := c.IsConnected(ctx, true)
		if err != nil {
			return err
		}
		fmt.Println(ok)
		return nil

	case batch != "":
		var calls []batchCall
		if err := json.Unmarshal([]byte(batch), &calls); err != nil {
			return fmt.Errorf("invalid -batch: %w", err)
		}
		b, err := c.Batch()
		if err != nil {
			return err
		}
		for _, call := range calls {
			b.Add(call.Method, call.Params...)
		}
		results, err := b.Execute(ctx)
		if err != nil {
			return err
		}
		out := make([]interface{}, len(results))
		for i, r := range results {
			if r.Err != nil {
				out[i] = map[string]string{"error": r.Err.Error()}
				continue
			}
			out[i] = r.Value
		}
		return printJSON(out)

	case method != "":
		var args []interface{}
		if err := json.Unmarshal([]byte(params), &args); err != nil {
			return fmt.Errorf("invalid -params: %w", err)
		}
		result, err := c.Execute(ctx, method, args...)
		if err != nil {
			return err
		}
		return printJSON(result)

	default:
		return fmt.Errorf("one of -check, -method or -batch is required")
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Logs go to stderr; stdout carries results
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
