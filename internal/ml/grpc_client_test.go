package ml

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeClassifier answers Describe and Predict like a sidecar would.
type fakeClassifier struct {
	classes   []any
	withProba bool
	lastNames []any
}

type classifierServer interface{}

func (f *fakeClassifier) describe(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"classes": f.classes})
}

func (f *fakeClassifier) predict(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.lastNames = req.GetFields()["feature_names"].GetListValue().AsSlice()
	x := req.GetFields()["features"].GetListValue().AsSlice()
	malicious := len(x) > 1 && x[1].(float64) > 10

	resp := map[string]any{"label": "BENIGN"}
	if malicious {
		resp["label"] = "SSH-Patator"
	}
	if f.withProba {
		if malicious {
			resp["probabilities"] = []any{0.1, 0.9}
		} else {
			resp["probabilities"] = []any{0.8, 0.2}
		}
	}
	return structpb.NewStruct(resp)
}

func unary(fn func(*fakeClassifier, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		return fn(srv.(*fakeClassifier), ctx, in)
	}
}

func startSidecar(t *testing.T, fake *fakeClassifier) *SidecarClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: sidecarService,
		HandlerType: (*classifierServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Describe", Handler: unary((*fakeClassifier).describe)},
			{MethodName: "Predict", Handler: unary((*fakeClassifier).predict)},
		},
	}, fake)
	hs := health.NewServer()
	hs.SetServingStatus(sidecarService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client := NewSidecarClient(&SidecarConfig{
		Address:      "passthrough:///bufnet",
		FeatureNames: []string{"destination port", "flow iat max"},
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSidecarProbabilities(t *testing.T) {
	fake := &fakeClassifier{classes: []any{"BENIGN", "SSH-Patator"}, withProba: true}
	client := startSidecar(t, fake)

	if got := client.Classes(); len(got) != 2 || got[1] != "SSH-Patator" {
		t.Fatalf("Classes = %v", got)
	}

	probs, err := client.PredictProba(context.Background(), []float64{22, 30})
	if err != nil {
		t.Fatalf("PredictProba: %v", err)
	}
	if probs[1] != 0.9 {
		t.Errorf("p(malicious) = %v", probs[1])
	}
	if len(fake.lastNames) != 2 || fake.lastNames[1] != "flow iat max" {
		t.Errorf("feature names sent = %v", fake.lastNames)
	}

	g, err := NewGateway(BackendSidecar, testSchema(t), identityScaler(), client, "SSH-Patator")
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	v, err := g.Score(context.Background(), vector("192.0.2.10", 22, 2))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Probability != 0.2 || v.Method != MethodProbability {
		t.Errorf("verdict = %v/%q", v.Probability, v.Method)
	}
}

func TestSidecarLabelOnly(t *testing.T) {
	client := startSidecar(t, &fakeClassifier{classes: []any{"BENIGN", "SSH-Patator"}})

	if _, err := client.PredictProba(context.Background(), []float64{22, 30}); !errors.Is(err, ErrNoProbabilities) {
		t.Errorf("expected ErrNoProbabilities, got %v", err)
	}

	g, _ := NewGateway(BackendSidecar, testSchema(t), identityScaler(), client, "SSH-Patator")
	v, err := g.Score(context.Background(), vector("192.0.2.10", 22, 30))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Probability != 1 || v.Method != MethodLabel {
		t.Errorf("verdict = %v/%q", v.Probability, v.Method)
	}
}

func TestSidecarNotConnected(t *testing.T) {
	client := NewSidecarClient(nil)
	if _, err := client.Predict(context.Background(), []float64{1}); err == nil {
		t.Error("expected error before Connect")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
