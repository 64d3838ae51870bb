package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("router: load aws config: %w", err)
	}
	return cfg, nil
}

// ELBAPI is the subset of the ELBv2 client the ALB router uses.
type ELBAPI interface {
	ModifyListener(ctx context.Context, in *elbv2.ModifyListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyListenerOutput, error)
	DescribeListeners(ctx context.Context, in *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
}

func newELBClient(cfg aws.Config) ELBAPI { return elbv2.NewFromConfig(cfg) }

// ALBRouter switches an ALB listener's default forward action between the
// target groups of the two colors.
type ALBRouter struct {
	client       ELBAPI
	listenerARN  string
	targetGroups map[Color]string
	logger       *slog.Logger
}

// NewALBRouter creates an ALBRouter.
func NewALBRouter(client ELBAPI, listenerARN string, targetGroups map[Color]string, logger *slog.Logger) *ALBRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ALBRouter{client: client, listenerARN: listenerARN, targetGroups: targetGroups, logger: logger}
}

func (r *ALBRouter) PointTo(ctx context.Context, color Color) error {
	tg, ok := r.targetGroups[color]
	if !ok || tg == "" {
		return fmt.Errorf("router: no target group for %s", color)
	}
	_, err := r.client.ModifyListener(ctx, &elbv2.ModifyListenerInput{
		ListenerArn: aws.String(r.listenerARN),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(tg),
		}},
	})
	if err != nil {
		return fmt.Errorf("router: modify listener %s: %w", r.listenerARN, err)
	}
	r.logger.Info("traffic switched", "color", color, "router", "alb", "target_group", tg)
	return nil
}

func (r *ALBRouter) Active(ctx context.Context) (Color, error) {
	out, err := r.client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{ListenerArns: []string{r.listenerARN}})
	if err != nil {
		return "", fmt.Errorf("router: describe listener %s: %w", r.listenerARN, err)
	}
	if len(out.Listeners) == 0 {
		return "", fmt.Errorf("router: listener %s not found", r.listenerARN)
	}
	for _, action := range out.Listeners[0].DefaultActions {
		if action.Type != elbtypes.ActionTypeEnumForward {
			continue
		}
		arn := aws.ToString(action.TargetGroupArn)
		if arn == "" && action.ForwardConfig != nil {
			arn = heaviest(action.ForwardConfig.TargetGroups)
		}
		for color, tg := range r.targetGroups {
			if tg == arn {
				return color, nil
			}
		}
		return "", fmt.Errorf("router: listener forwards to unknown target group %s", arn)
	}
	return "", fmt.Errorf("router: listener %s has no forward action", r.listenerARN)
}

func heaviest(groups []elbtypes.TargetGroupTuple) string {
	var (
		arn  string
		best int32 = -1
	)
	for _, g := range groups {
		w := aws.ToInt32(g.Weight)
		if w > best {
			best, arn = w, aws.ToString(g.TargetGroupArn)
		}
	}
	return arn
}

// Route53API is the subset of the Route 53 client the DNS router uses.
type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

func newRoute53Client(cfg aws.Config) Route53API { return route53.NewFromConfig(cfg) }

// Route53Config configures a Route53Router.
type Route53Config struct {
	HostedZoneID string
	RecordName   string
	// RecordType defaults to CNAME.
	RecordType string
	// TTL defaults to 60 seconds.
	TTL int64
	// Records maps each color to its record value (a hostname or address).
	Records map[Color]string
	// WaitTimeout, when positive, waits for the change to reach INSYNC.
	WaitTimeout time.Duration
}

// Route53Router keeps one weighted record per color and moves the full
// weight to the target color.
type Route53Router struct {
	client Route53API
	cfg    Route53Config
	logger *slog.Logger
}

// NewRoute53Router creates a Route53Router.
func NewRoute53Router(client Route53API, cfg Route53Config, logger *slog.Logger) *Route53Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecordType == "" {
		cfg.RecordType = string(r53types.RRTypeCname)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60
	}
	if !strings.HasSuffix(cfg.RecordName, ".") {
		cfg.RecordName += "."
	}
	return &Route53Router{client: client, cfg: cfg, logger: logger}
}

func (r *Route53Router) weighted(color Color, weight int64) r53types.Change {
	return r53types.Change{
		Action: r53types.ChangeActionUpsert,
		ResourceRecordSet: &r53types.ResourceRecordSet{
			Name:            aws.String(r.cfg.RecordName),
			Type:            r53types.RRType(r.cfg.RecordType),
			SetIdentifier:   aws.String(string(color)),
			Weight:          aws.Int64(weight),
			TTL:             aws.Int64(r.cfg.TTL),
			ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(r.cfg.Records[color])}},
		},
	}
}

func (r *Route53Router) PointTo(ctx context.Context, color Color) error {
	if r.cfg.Records[color] == "" {
		return fmt.Errorf("router: no record value for %s", color)
	}
	out, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.cfg.HostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("deployctl: route traffic to " + string(color)),
			Changes: []r53types.Change{r.weighted(color, 100), r.weighted(color.Other(), 0)},
		},
	})
	if err != nil {
		return fmt.Errorf("router: change record sets for %s: %w", r.cfg.RecordName, err)
	}
	if r.cfg.WaitTimeout > 0 && out.ChangeInfo != nil {
		waiter := route53.NewResourceRecordSetsChangedWaiter(r.client)
		if err := waiter.Wait(ctx, &route53.GetChangeInput{Id: out.ChangeInfo.Id}, r.cfg.WaitTimeout); err != nil {
			return fmt.Errorf("router: wait for change %s: %w", aws.ToString(out.ChangeInfo.Id), err)
		}
	}
	r.logger.Info("traffic switched", "color", color, "router", "route53", "record", r.cfg.RecordName)
	return nil
}

func (r *Route53Router) Active(ctx context.Context) (Color, error) {
	out, err := r.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(r.cfg.HostedZoneID),
		StartRecordName: aws.String(r.cfg.RecordName),
		StartRecordType: r53types.RRType(r.cfg.RecordType),
	})
	if err != nil {
		return "", fmt.Errorf("router: list record sets for %s: %w", r.cfg.RecordName, err)
	}
	for _, set := range out.ResourceRecordSets {
		if aws.ToString(set.Name) != r.cfg.RecordName || aws.ToInt64(set.Weight) == 0 {
			continue
		}
		if c, err := ParseColor(aws.ToString(set.SetIdentifier)); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("router: no weighted record for %s carries traffic", r.cfg.RecordName)
}
