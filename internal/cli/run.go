package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linecheck/linecheck/internal/config"
	"github.com/linecheck/linecheck/internal/log"
	"github.com/linecheck/linecheck/internal/station"
	"github.com/linecheck/linecheck/pkg/camera"
)

// RunOptions are flag overrides for the station file.
type RunOptions struct {
	Serial        string
	ClassifierURL string
	Backend       string
	ModelPath     string
	DashboardAddr string
	NoDashboard   bool
	MQTTBroker    string
	CameraPreset  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the inspection station",
		Long: `Run the inspection station until interrupted.

SIGINT and SIGTERM stop the line before exiting, exactly like the
dashboard's emergency stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if err := opts.apply(cfg); err != nil {
				return commandError(err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runStation(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Serial, "serial", "", "serial device of the line controller")
	cmd.Flags().StringVar(&opts.ClassifierURL, "classifier-url", "", "classification service endpoint")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "classifier backend (http|onnx)")
	cmd.Flags().StringVar(&opts.ModelPath, "model", "", "local model file for the onnx backend")
	cmd.Flags().StringVar(&opts.DashboardAddr, "addr", "", "dashboard listen address")
	cmd.Flags().BoolVar(&opts.NoDashboard, "no-dashboard", false, "disable the operator dashboard")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt", "", "MQTT broker for outcome publishing")
	cmd.Flags().StringVar(&opts.CameraPreset, "camera-preset", "", fmt.Sprintf("capture mode %v", camera.PresetNames()))

	return cmd
}

// apply overrides cfg with the flags that were set.
func (o *RunOptions) apply(cfg *config.Config) error {
	if o.Serial != "" {
		cfg.Serial.Device = o.Serial
	}
	if o.ClassifierURL != "" {
		cfg.Classifier.URL = o.ClassifierURL
	}
	if o.Backend != "" {
		cfg.Classifier.Backend = o.Backend
	}
	if o.ModelPath != "" {
		cfg.Classifier.ModelPath = o.ModelPath
	}
	if o.DashboardAddr != "" {
		cfg.Dashboard.Addr = o.DashboardAddr
	}
	if o.NoDashboard {
		cfg.Dashboard.Enabled = false
	}
	if o.MQTTBroker != "" {
		cfg.MQTT.Broker = o.MQTTBroker
	}
	if o.CameraPreset != "" {
		cfg.Camera.Preset = o.CameraPreset
		return cfg.Camera.ApplyPreset(o.CameraPreset)
	}
	return nil
}

func runStation(ctx context.Context, cfg *config.Config) error {
	st, err := station.New(cfg, station.WithLogger(log.L()))
	if err != nil {
		return commandError(err)
	}
	if err := st.Init(ctx); err != nil {
		return err
	}
	defer st.Shutdown()

	return st.Run(ctx)
}
