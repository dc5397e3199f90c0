package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/adapters/refine"
	"github.com/ashidome/kikitori/pkg/configutil"
	"github.com/ashidome/kikitori/pkg/gateway"
	"github.com/ashidome/kikitori/pkg/kikitori"
	"github.com/ashidome/kikitori/pkg/providers/dashscope"
	"github.com/ashidome/kikitori/pkg/providers/deepgram"
	"github.com/ashidome/kikitori/pkg/providers/mock"
	"github.com/ashidome/kikitori/pkg/transports"
	mocktransport "github.com/ashidome/kikitori/pkg/transports/mock"
	wstransport "github.com/ashidome/kikitori/pkg/transports/ws"
)

type deepgramSettings struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	Language     string `mapstructure:"language"`
	SampleRate   int    `mapstructure:"sample_rate"`
	Encoding     string `mapstructure:"encoding"`
	Interim      *bool  `mapstructure:"interim"`
	SmartFormat  *bool  `mapstructure:"smart_format"`
	DrainTimeout int    `mapstructure:"drain_timeout_ms"`
}

type dashscopeSettings struct {
	APIKey       string  `mapstructure:"api_key"`
	BaseURL      string  `mapstructure:"base_url"`
	Model        string  `mapstructure:"model"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	TimeoutMS    int     `mapstructure:"timeout_ms"`
}

type mockASRSettings struct {
	Transcript string `mapstructure:"transcript"`
}

type wsSettings struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	AudioPath      string   `mapstructure:"audio_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := kikitori.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	providers := kikitori.NewProviderRegistry()
	registerProviders(providers)

	app, err := kikitori.NewEngine(kikitori.EngineOptions{
		Config:    cfg,
		Providers: providers,
	})
	if err != nil {
		slog.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err.Error())
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = app.Stop()
}

func registerProviders(reg *kikitori.ProviderRegistry) {
	reg.RegisterASR("deepgram", func(cfg kikitori.Config) (gateway.RecognizerFactory, error) {
		if err := validateSettings("vendors.asr.settings", cfg.Vendors.ASR.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "smart_format", "drain_timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.ASR.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.asr.settings.api_key"); err != nil {
			return nil, err
		}
		interim := configutil.BoolValue(settings.Interim, true)
		smartFormat := configutil.BoolValue(settings.SmartFormat, true)
		return func(acfg asr.Config) (asr.StreamingRecognizer, error) {
			return deepgram.New(deepgram.Config{
				APIKey:       settings.APIKey,
				Model:        settings.Model,
				Language:     settings.Language,
				SampleRate:   settings.SampleRate,
				Encoding:     settings.Encoding,
				Interim:      interim,
				SmartFmt:     smartFormat,
				DrainTimeout: time.Duration(settings.DrainTimeout) * time.Millisecond,
				ClientID:     acfg.ClientID,
				TraceID:      acfg.TraceID,
			}), nil
		}, nil
	})

	reg.RegisterASR("mock", func(cfg kikitori.Config) (gateway.RecognizerFactory, error) {
		if err := validateSettings("vendors.asr.settings", cfg.Vendors.ASR.Settings, configutil.Schema{
			Optional: []string{"transcript"},
		}); err != nil {
			return nil, err
		}
		var settings mockASRSettings
		if err := configutil.DecodeSettings(cfg.Vendors.ASR.Settings, &settings); err != nil {
			return nil, err
		}
		transcript := settings.Transcript
		if transcript == "" {
			transcript = "mock transcript"
		}
		return func(acfg asr.Config) (asr.StreamingRecognizer, error) {
			return mock.NewRecognizer(mock.RecognizerConfig{
				ClientID:     acfg.ClientID,
				OnCloseInput: []mock.Fragment{{Text: transcript, Final: true}},
			}), nil
		}, nil
	})

	reg.RegisterRefiner("dashscope", func(cfg kikitori.Config) (refine.Refiner, error) {
		if err := validateSettings("vendors.refine.settings", cfg.Vendors.Refine.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "system_prompt", "temperature", "max_tokens", "timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings dashscopeSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Refine.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.refine.settings.api_key"); err != nil {
			return nil, err
		}
		return dashscope.New(dashscope.Config{
			APIKey:       settings.APIKey,
			BaseURL:      settings.BaseURL,
			Model:        settings.Model,
			SystemPrompt: settings.SystemPrompt,
			Temperature:  settings.Temperature,
			MaxTokens:    settings.MaxTokens,
			Timeout:      time.Duration(settings.TimeoutMS) * time.Millisecond,
		}), nil
	})

	reg.RegisterRefiner("mock", func(cfg kikitori.Config) (refine.Refiner, error) {
		return mock.NewRefiner(mock.RefinerConfig{}), nil
	})

	reg.RegisterTransport("ws", func(cfg kikitori.Config, gw *gateway.Gateway) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "audio_path", "sample_rate", "channels", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings wsSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return wstransport.New(wstransport.Config{
			ServerAddr:     settings.ServerAddr,
			AudioPath:      settings.AudioPath,
			SampleRate:     settings.SampleRate,
			Channels:       settings.Channels,
			AllowAnyOrigin: settings.AllowAnyOrigin,
			AllowedOrigins: settings.AllowedOrigins,
		}, gw), nil
	})

	reg.RegisterTransport("mock", func(cfg kikitori.Config, gw *gateway.Gateway) (transports.Transport, error) {
		return mocktransport.New(gw), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
