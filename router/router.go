// Package router switches live traffic between the two blue-green colors.
// Adapters cover an operator command, an AWS ALB listener, Route 53
// weighted records and an in-memory mock.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
)

// Color names one of the two blue-green environments.
type Color string

const (
	Blue  Color = "blue"
	Green Color = "green"
)

// Other returns the opposite color.
func (c Color) Other() Color {
	if c == Blue {
		return Green
	}
	return Blue
}

// Valid reports whether c is blue or green.
func (c Color) Valid() bool { return c == Blue || c == Green }

// ParseColor parses s case-insensitively.
func ParseColor(s string) (Color, error) {
	c := Color(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("router: unknown color %q", s)
	}
	return c, nil
}

// Router points live traffic at a color.
type Router interface {
	PointTo(ctx context.Context, color Color) error
	// Active returns the color currently receiving traffic.
	Active(ctx context.Context) (Color, error)
}

// Kind selects a router adapter.
type Kind string

const (
	KindCommand Kind = "command"
	KindALB     Kind = "alb"
	KindRoute53 Kind = "route53"
	KindMock    Kind = "mock"
)

// Config configures the router of a blue-green environment. Only the fields
// of the selected kind are used.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// command
	Command       string `json:"command,omitempty" yaml:"command,omitempty"`
	ActiveCommand string `json:"active_command,omitempty" yaml:"active_command,omitempty"`

	// alb and route53
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// alb
	ListenerARN  string           `json:"listener_arn,omitempty" yaml:"listener_arn,omitempty"`
	TargetGroups map[Color]string `json:"target_groups,omitempty" yaml:"target_groups,omitempty"`

	// route53
	HostedZoneID string           `json:"hosted_zone_id,omitempty" yaml:"hosted_zone_id,omitempty"`
	RecordName   string           `json:"record_name,omitempty" yaml:"record_name,omitempty"`
	RecordType   string           `json:"record_type,omitempty" yaml:"record_type,omitempty"`
	TTL          int64            `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Records      map[Color]string `json:"records,omitempty" yaml:"records,omitempty"`
	WaitTimeout  time.Duration    `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`

	// mock
	Initial Color `json:"initial,omitempty" yaml:"initial,omitempty"`
}

// Validate checks the fields required by the selected kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindCommand:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("router: command router requires command")
		}
	case KindALB:
		if c.ListenerARN == "" {
			return fmt.Errorf("router: alb router requires listener_arn")
		}
		if c.TargetGroups[Blue] == "" || c.TargetGroups[Green] == "" {
			return fmt.Errorf("router: alb router requires target_groups for blue and green")
		}
	case KindRoute53:
		if c.HostedZoneID == "" || c.RecordName == "" {
			return fmt.Errorf("router: route53 router requires hosted_zone_id and record_name")
		}
		if c.Records[Blue] == "" || c.Records[Green] == "" {
			return fmt.Errorf("router: route53 router requires records for blue and green")
		}
	case KindMock:
	case "":
		return fmt.Errorf("router: kind is required")
	default:
		return fmt.Errorf("router: unknown kind %q (want command, alb, route53 or mock)", c.Kind)
	}
	return nil
}

// Deps are the collaborators adapters may need.
type Deps struct {
	Channel remote.Channel
	Host    remote.Host
	Logger  *slog.Logger
}

// New builds the router described by cfg. AWS adapters load credentials
// from the default chain.
func New(ctx context.Context, cfg Config, deps Deps) (Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindCommand:
		return NewCommandRouter(deps.Channel, deps.Host, cfg.Command, cfg.ActiveCommand, deps.Logger), nil
	case KindALB:
		awsCfg, err := loadAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewALBRouter(newELBClient(awsCfg), cfg.ListenerARN, cfg.TargetGroups, deps.Logger), nil
	case KindRoute53:
		awsCfg, err := loadAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewRoute53Router(newRoute53Client(awsCfg), Route53Config{
			HostedZoneID: cfg.HostedZoneID,
			RecordName:   cfg.RecordName,
			RecordType:   cfg.RecordType,
			TTL:          cfg.TTL,
			Records:      cfg.Records,
			WaitTimeout:  cfg.WaitTimeout,
		}, deps.Logger), nil
	default:
		initial := cfg.Initial
		if initial == "" {
			initial = Blue
		}
		return NewMockRouter(initial), nil
	}
}

// CommandRouter runs an operator command to switch traffic. The target color
// is exported as DEPLOY_COLOR. ActiveCommand, when set, prints the live color.
type CommandRouter struct {
	channel       remote.Channel
	host          remote.Host
	command       string
	activeCommand string
	timeout       time.Duration
	logger        *slog.Logger

	last Color
}

// NewCommandRouter creates a CommandRouter executing on host.
func NewCommandRouter(ch remote.Channel, host remote.Host, command, activeCommand string, logger *slog.Logger) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{channel: ch, host: host, command: command, activeCommand: activeCommand,
		timeout: 2 * time.Minute, logger: logger}
}

func (r *CommandRouter) PointTo(ctx context.Context, color Color) error {
	cmd := remote.Exports(map[string]string{"DEPLOY_COLOR": string(color)}) + r.command
	out, err := r.channel.Execute(ctx, r.host, cmd, r.timeout)
	if err != nil {
		return fmt.Errorf("router: point to %s: %w", color, err)
	}
	if err := out.Check(r.host, r.command); err != nil {
		return fmt.Errorf("router: point to %s: %w", color, err)
	}
	r.last = color
	r.logger.Info("traffic switched", "color", color, "router", "command")
	return nil
}

func (r *CommandRouter) Active(ctx context.Context) (Color, error) {
	if r.activeCommand == "" {
		if r.last != "" {
			return r.last, nil
		}
		return "", fmt.Errorf("router: active color unknown (no active_command configured)")
	}
	out, err := r.channel.Execute(ctx, r.host, r.activeCommand, r.timeout)
	if err != nil {
		return "", fmt.Errorf("router: query active color: %w", err)
	}
	if err := out.Check(r.host, r.activeCommand); err != nil {
		return "", fmt.Errorf("router: query active color: %w", err)
	}
	return ParseColor(out.Stdout)
}
