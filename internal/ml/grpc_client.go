package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar RPC surface. Messages are google.protobuf.Struct so the sidecar
// needs no generated stubs:
//
//	Describe({})                          -> {classes: [string]}
//	Predict({features: [number], feature_names: [string]})
//	                                      -> {label: string, probabilities?: [number]}
const (
	sidecarService  = "burai.classifier.v1.Classifier"
	describeMethod  = "/" + sidecarService + "/Describe"
	predictMethod   = "/" + sidecarService + "/Predict"
	defaultSidecar  = "localhost:50051"
	defaultDeadline = 2 * time.Second
)

// SidecarConfig holds configuration for the gRPC sidecar client
type SidecarConfig struct {
	// Address is the gRPC server address
	Address string
	// Timeout for RPC calls
	Timeout time.Duration
	// KeepAliveTime for connection health checks
	KeepAliveTime time.Duration
	// FeatureNames are sent with every row
	FeatureNames []string
	// DialOptions are appended to the defaults; tests use them to inject a
	// dialer.
	DialOptions []grpc.DialOption
}

// SidecarClient scores rows through an out-of-process classifier
type SidecarClient struct {
	config *SidecarConfig
	conn   *grpc.ClientConn
	mu     sync.RWMutex

	classes []string
	names   *structpb.ListValue
}

// NewSidecarClient creates a new sidecar client
func NewSidecarClient(config *SidecarConfig) *SidecarClient {
	if config == nil {
		config = &SidecarConfig{}
	}
	if config.Address == "" {
		config.Address = defaultSidecar
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultDeadline
	}
	if config.KeepAliveTime <= 0 {
		config.KeepAliveTime = 30 * time.Second
	}
	return &SidecarClient{config: config}
}

// Connect dials the sidecar, waits for it to report SERVING and fetches
// its class order.
func (c *SidecarClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepAliveTime,
			Timeout:             c.config.Timeout,
			PermitWithoutStream: true,
		}),
	}, c.config.DialOptions...)

	conn, err := grpc.NewClient(c.config.Address, opts...)
	if err != nil {
		return fmt.Errorf("failed to create sidecar client: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	health, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: sidecarService})
	if err != nil {
		conn.Close()
		return fmt.Errorf("sidecar health check: %w", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return fmt.Errorf("sidecar is %s", health.GetStatus())
	}

	desc := &structpb.Struct{}
	if err := conn.Invoke(callCtx, describeMethod, &structpb.Struct{}, desc); err != nil {
		conn.Close()
		return fmt.Errorf("sidecar describe: %w", err)
	}
	classes, err := stringList(desc.GetFields()["classes"])
	if err != nil || len(classes) == 0 {
		conn.Close()
		return fmt.Errorf("sidecar describe: no classes")
	}

	names := make([]any, len(c.config.FeatureNames))
	for i, n := range c.config.FeatureNames {
		names[i] = n
	}
	nameList, err := structpb.NewList(names)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.classes = classes
	c.names = nameList
	return nil
}

// Classes returns the class order reported by the sidecar
func (c *SidecarClient) Classes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classes
}

func (c *SidecarClient) predict(ctx context.Context, x []float64) (*structpb.Struct, error) {
	c.mu.RLock()
	conn, names := c.conn, c.names
	c.mu.RUnlock()
	if conn == nil {
		return nil, errors.New("sidecar: not connected")
	}

	values := make([]*structpb.Value, len(x))
	for i, v := range x {
		values[i] = structpb.NewNumberValue(v)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"features":      structpb.NewListValue(&structpb.ListValue{Values: values}),
		"feature_names": structpb.NewListValue(names),
	}}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("sidecar predict: %w", err)
	}
	return resp, nil
}

// Predict returns the sidecar's hard label
func (c *SidecarClient) Predict(ctx context.Context, x []float64) (string, error) {
	resp, err := c.predict(ctx, x)
	if err != nil {
		return "", err
	}
	label, ok := resp.GetFields()["label"]
	if !ok {
		return "", errors.New("sidecar predict: no label")
	}
	if _, isNum := label.GetKind().(*structpb.Value_NumberValue); isNum {
		return fmt.Sprint(label.GetNumberValue()), nil
	}
	return label.GetStringValue(), nil
}

// PredictProba returns per-class probabilities, or ErrNoProbabilities when
// the sidecar answered with a label only.
func (c *SidecarClient) PredictProba(ctx context.Context, x []float64) ([]float64, error) {
	resp, err := c.predict(ctx, x)
	if err != nil {
		return nil, err
	}
	raw, ok := resp.GetFields()["probabilities"]
	if !ok {
		return nil, ErrNoProbabilities
	}
	list := raw.GetListValue().GetValues()
	if len(list) != len(c.Classes()) {
		return nil, fmt.Errorf("sidecar predict: %d probabilities for %d classes", len(list), len(c.Classes()))
	}
	probs := make([]float64, len(list))
	for i, v := range list {
		probs[i] = v.GetNumberValue()
	}
	return probs, nil
}

// Close closes the connection
func (c *SidecarClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func stringList(v *structpb.Value) ([]string, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("not a list")
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		switch k := item.GetKind().(type) {
		case *structpb.Value_StringValue:
			out = append(out, k.StringValue)
		case *structpb.Value_NumberValue:
			out = append(out, fmt.Sprint(k.NumberValue))
		default:
			return nil, fmt.Errorf("unexpected class value %v", item)
		}
	}
	return out, nil
}
