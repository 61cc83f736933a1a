package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/config"
	"github.com/roach88/signalflow/internal/edge"
	"github.com/roach88/signalflow/internal/metrics"
)

// DeviceRunOptions holds flags for device run.
type DeviceRunOptions struct {
	*RootOptions
	ID           string
	Intersection string
	Broker       string
	APIURL       string
	Type         string
	Approaches   []string
	Seed         uint64
	NoSensor     bool
}

// NewDeviceCommand creates the device command group.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run a field device agent",
	}
	cmd.AddCommand(newDeviceRunCommand(rootOpts))
	return cmd
}

func newDeviceRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeviceRunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect a simulated device to the coordinator",
		Long: `Run an edge agent that registers with the coordinator, publishes
heartbeats and sensor readings over MQTT, and obeys light, restart and
config commands.

Readings come from a seeded simulated sensor, one sample per approach.
The broker receives a retained "offline" status if the device drops.

Examples:
  signalflow device run --id dev-001 --intersection int-001
  signalflow device run --id cam-7 --type camera --broker tcp://10.0.0.2:1883 --no-sensor`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "device id (overrides config)")
	cmd.Flags().StringVarP(&opts.Intersection, "intersection", "i", "", "intersection the device serves (overrides config)")
	cmd.Flags().StringVar(&opts.Broker, "broker", "", "MQTT broker URL (overrides config)")
	cmd.Flags().StringVar(&opts.APIURL, "api-url", "", "coordinator URL for HTTP registration (overrides config)")
	cmd.Flags().StringVar(&opts.Type, "type", "signal_controller", "device type")
	cmd.Flags().StringSliceVar(&opts.Approaches, "approaches", []string{"north", "south", "east", "west"}, "approaches the sensor reports")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "simulated sensor seed")
	cmd.Flags().BoolVar(&opts.NoSensor, "no-sensor", false, "send heartbeats only")

	return cmd
}

// applyFlags layers command-line overrides onto cfg.
func (o *DeviceRunOptions) applyFlags(cfg *config.Config) {
	if o.ID != "" {
		cfg.Device.ID = o.ID
	}
	if o.Intersection != "" {
		cfg.Device.IntersectionID = o.Intersection
	}
	if o.Broker != "" {
		cfg.MQTT.Broker = o.Broker
	}
	if o.APIURL != "" {
		cfg.Device.APIURL = o.APIURL
	}
}

// agentConfig maps the device section onto an edge.AgentConfig.
func (o *DeviceRunOptions) agentConfig(cfg *config.Config) edge.AgentConfig {
	intersection := cfg.Device.IntersectionID
	if intersection == "" {
		intersection = cfg.Device.ID
	}
	return edge.AgentConfig{
		DeviceID:          cfg.Device.ID,
		DeviceType:        o.Type,
		IntersectionID:    intersection,
		Capabilities:      cfg.Device.Sensors,
		APIURL:            cfg.Device.APIURL,
		UpdateInterval:    cfg.Device.UpdateInterval.Std(),
		HeartbeatInterval: cfg.Device.HeartbeatPeriod.Std(),
	}
}

// offlineWill is the retained status the broker publishes for a dropped device.
func offlineWill(deviceID string) (*edge.Will, error) {
	payload, err := json.Marshal(edge.StatusMessage{DeviceID: deviceID, Status: "offline"})
	if err != nil {
		return nil, err
	}
	return &edge.Will{Topic: edge.StatusTopic(deviceID), Payload: payload, QoS: 1, Retained: true}, nil
}

func runDevice(parent context.Context, opts *DeviceRunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	opts.applyFlags(cfg)
	if cfg.Device.ID == "" {
		return NewExitError(ExitCommandError, "device id is required (--id or device.id)")
	}

	handler, err := newLogHandler(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}
	slog.SetDefault(slog.New(handler).With("device", cfg.Device.ID))
	metrics.Register()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	will, err := offlineWill(cfg.Device.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode will", err)
	}
	client := edge.NewPahoClient(edge.PahoConfig{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.Device.ID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: 10 * time.Second,
		Will:           will,
	})

	agentCfg := opts.agentConfig(cfg)
	var sensor edge.Sensor
	if !opts.NoSensor {
		sensor = edge.NewSimulatedSensor(agentCfg.IntersectionID, opts.Approaches, opts.Seed)
	}
	agent := edge.NewAgent(agentCfg, client, sensor)

	fmt.Fprintf(cmd.OutOrStdout(), "device %s connecting to %s\n", agentCfg.DeviceID, cfg.MQTT.Broker)
	if err := agent.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "agent error", err)
	}
	slog.Info("agent stopped")
	return nil
}
