package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"policy-optimizer/internal/rl"
	"policy-optimizer/internal/trainer"
	"policy-optimizer/pkg/config"
	"policy-optimizer/pkg/storage"
)

func testServerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Checkpoint.Dir = filepath.Join(t.TempDir(), "checkpoints")
	cfg.Checkpoint.SaveEvery = 1
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config) (*Server, *grpc.ClientConn) {
	t.Helper()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, conn
}

func newTestClient(t *testing.T) (*Server, *PolicyOptimizerClient) {
	t.Helper()
	srv, conn := startTestServer(t, testServerConfig(t))
	return srv, NewPolicyOptimizerClient(conn)
}

func callContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertCode(t *testing.T, err error, want codes.Code) *status.Status {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok || st.Code() != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
	return st
}

func iterationInput() *trainer.IterationInput {
	return &trainer.IterationInput{
		Trajectory: []rl.TrajectoryStep{
			{Reward: 1, ValueEstimate: 0.2},
			{Reward: 0, ValueEstimate: 0.4},
			{Reward: -1, ValueEstimate: 0.1},
			{Reward: 2, ValueEstimate: 0.3, Done: true},
		},
		OldLogProbs:    []float64{-1.0, -0.9, -1.2, -1.1},
		NewLogProbs:    []float64{-1.02, -0.88, -1.21, -1.05},
		PolicyState:    []byte(`{"weights":[0.1,0.2]}`),
		OptimizerState: []byte(`{"step":1}`),
	}
}

func TestComputeAdvantagesMatchesEstimator(t *testing.T) {
	_, client := newTestClient(t)
	steps := []rl.TrajectoryStep{
		{Reward: 1, ValueEstimate: 0.5},
		{Reward: 0, ValueEstimate: 0.2},
		{Reward: 2, ValueEstimate: 0.1, Done: true},
	}
	raw := rl.DefaultGAEConfig()

	resp, err := client.ComputeAdvantages(callContext(t), &ComputeAdvantagesRequest{Trajectory: steps, Config: &raw})
	if err != nil {
		t.Fatalf("ComputeAdvantages: %v", err)
	}
	want, err := rl.ComputeGAEFromTrajectory(steps, raw)
	if err != nil {
		t.Fatalf("ComputeGAEFromTrajectory: %v", err)
	}
	if !reflect.DeepEqual(resp.Batch, want) {
		t.Fatalf("batch = %+v, want %+v", resp.Batch, want)
	}

	normalized, err := client.ComputeAdvantages(callContext(t), &ComputeAdvantagesRequest{Trajectory: steps})
	if err != nil {
		t.Fatalf("ComputeAdvantages with server config: %v", err)
	}
	if !normalized.Batch.Normalized {
		t.Fatal("server defaults normalize advantages")
	}
}

func TestComputeAdvantagesInvalidConfig(t *testing.T) {
	_, client := newTestClient(t)
	cfg := rl.DefaultGAEConfig()
	cfg.Gamma = 0
	steps := []rl.TrajectoryStep{{Reward: 1, ValueEstimate: 0}}

	_, err := client.ComputeAdvantages(callContext(t), &ComputeAdvantagesRequest{Trajectory: steps, Config: &cfg})
	st := assertCode(t, err, codes.InvalidArgument)

	_, localErr := rl.ComputeGAEFromTrajectory(steps, cfg)
	if st.Message() != localErr.Error() {
		t.Fatalf("message = %q, want %q", st.Message(), localErr.Error())
	}
}

func TestComputeLossMatchesEngine(t *testing.T) {
	_, client := newTestClient(t)
	samples := []rl.PPOSample{
		{OldLogProb: -1.0, NewLogProb: -0.8, Advantage: 1.5, ValuePred: 0.2, ValueTarget: 0.7},
		{OldLogProb: -0.5, NewLogProb: -0.9, Advantage: -0.4, ValuePred: 0.1, ValueTarget: -0.3},
		{OldLogProb: -2.0, NewLogProb: -2.0, Advantage: 0.3, ValuePred: 0.0, ValueTarget: 0.1},
	}
	cfg := rl.DefaultPPOConfig()

	resp, err := client.ComputeLoss(callContext(t), &ComputeLossRequest{Samples: samples, Config: &cfg})
	if err != nil {
		t.Fatalf("ComputeLoss: %v", err)
	}
	want, err := rl.ComputePPOLoss(samples, cfg)
	if err != nil {
		t.Fatalf("ComputePPOLoss: %v", err)
	}
	if !reflect.DeepEqual(resp.Loss, want) {
		t.Fatalf("loss = %+v, want %+v", resp.Loss, want)
	}

	_, err = client.ComputeLoss(callContext(t), &ComputeLossRequest{})
	assertCode(t, err, codes.InvalidArgument)
}

func TestComputeUpdateEarlyStop(t *testing.T) {
	_, client := newTestClient(t)
	maxKL := 0.1
	cfg := rl.DefaultPPOConfig()
	cfg.MinibatchSize = 1
	cfg.MaxKL = &maxKL

	samples := []rl.PPOSample{
		{OldLogProb: 0, NewLogProb: 0},
		{OldLogProb: 0, NewLogProb: -0.5},
		{OldLogProb: 0, NewLogProb: 0},
		{OldLogProb: 0, NewLogProb: 0},
	}
	resp, err := client.ComputeUpdate(callContext(t), &ComputeUpdateRequest{Samples: samples, Config: &cfg})
	if err != nil {
		t.Fatalf("ComputeUpdate: %v", err)
	}
	if !resp.Summary.EarlyStopTriggered || resp.Summary.MinibatchCount != 2 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if resp.Summary.EarlyStopReason == "" {
		t.Fatal("early stop reason missing")
	}
}

func TestRunIterationLineageAndResume(t *testing.T) {
	srv, client := newTestClient(t)

	var ids []string
	for i := 0; i < 3; i++ {
		resp, err := client.RunIteration(callContext(t), &RunIterationRequest{Input: iterationInput()})
		if err != nil {
			t.Fatalf("RunIteration %d: %v", i, err)
		}
		if resp.Result.Checkpoint == nil {
			t.Fatalf("iteration %d was not checkpointed", i)
		}
		ids = append(ids, resp.Result.Checkpoint.ID)
	}

	lineage, err := client.ResolveLineage(callContext(t), &ResolveLineageRequest{LeafID: ids[2]})
	if err != nil {
		t.Fatalf("ResolveLineage: %v", err)
	}
	if !reflect.DeepEqual(lineage.Path, ids) {
		t.Fatalf("lineage = %v, want %v", lineage.Path, ids)
	}

	resumed, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{})
	if err != nil {
		t.Fatalf("ResumeCheckpoint: %v", err)
	}
	if resumed.Checkpoint.CheckpointID != ids[2] || resumed.Diagnostics.Source != storage.ResumePrimary {
		t.Fatalf("resumed %s from %s", resumed.Checkpoint.CheckpointID, resumed.Diagnostics.Source)
	}
	if string(resumed.Checkpoint.PolicyState) != `{"weights":[0.1,0.2]}` {
		t.Fatalf("policy state = %s", resumed.Checkpoint.PolicyState)
	}
	wantFirst := "checkpoint_resume source=primary checkpoint_id=" + ids[2] + " step=3"
	if !strings.HasPrefix(resumed.Report, wantFirst) {
		t.Fatalf("report = %q", resumed.Report)
	}
	if !strings.Contains(resumed.Report, "checkpoint_resume parent_checkpoint_id="+ids[1]) {
		t.Fatalf("report missing parent line: %q", resumed.Report)
	}

	store := srv.Pipeline().Store()
	if err := os.WriteFile(store.PathForStep(3), []byte("{"), 0o644); err != nil {
		t.Fatalf("corrupt checkpoint: %v", err)
	}

	rolledBack, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{})
	if err != nil {
		t.Fatalf("ResumeCheckpoint after corruption: %v", err)
	}
	if rolledBack.Checkpoint.CheckpointID != ids[1] || rolledBack.Diagnostics.Source != storage.ResumeFallback {
		t.Fatalf("rolled back to %s from %s", rolledBack.Checkpoint.CheckpointID, rolledBack.Diagnostics.Source)
	}
	if !strings.Contains(rolledBack.Report, "diagnostic=primary checkpoint load failed kind=decode") {
		t.Fatalf("report = %q", rolledBack.Report)
	}
	if iteration, _, last := srv.Pipeline().Progress(); iteration != 2 || last != ids[1] {
		t.Fatalf("progress after rollback: %d %q", iteration, last)
	}

	explicit, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{
		PrimaryPath:  "1.json",
		FallbackPath: filepath.Join(store.Dir(), "2.json"),
	})
	if err != nil {
		t.Fatalf("ResumeCheckpoint explicit: %v", err)
	}
	if explicit.Checkpoint.CheckpointID != ids[0] {
		t.Fatalf("explicit resume loaded %s", explicit.Checkpoint.CheckpointID)
	}
}

func TestResumeCheckpointRejectsPathsOutsideDir(t *testing.T) {
	_, client := newTestClient(t)
	for _, path := range []string{"../outside.json", "/etc/passwd", "nested/../../x.json"} {
		_, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{PrimaryPath: path})
		assertCode(t, err, codes.PermissionDenied)
	}
	_, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{PrimaryPath: "1.json", FallbackPath: "../0.json"})
	assertCode(t, err, codes.PermissionDenied)
}

func TestResumeCheckpointEmptyDir(t *testing.T) {
	_, client := newTestClient(t)
	_, err := client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{})
	assertCode(t, err, codes.NotFound)

	_, err = client.ResumeCheckpoint(callContext(t), &ResumeCheckpointRequest{PrimaryPath: "7.json", FallbackPath: "6.json"})
	assertCode(t, err, codes.NotFound)
}

func TestResolveLineageErrors(t *testing.T) {
	_, client := newTestClient(t)
	cycle := []storage.CheckpointRecord{
		{ID: "a", Metadata: map[string]string{storage.ParentCheckpointIDKey: "b"}},
		{ID: "b", Metadata: map[string]string{storage.ParentCheckpointIDKey: "a"}},
	}

	_, err := client.ResolveLineage(callContext(t), &ResolveLineageRequest{Records: cycle, LeafID: "a"})
	st := assertCode(t, err, codes.FailedPrecondition)
	if st.Message() != "lineage: cycle detected at checkpoint id 'a'" {
		t.Fatalf("message = %q", st.Message())
	}

	_, err = client.ResolveLineage(callContext(t), &ResolveLineageRequest{Records: cycle, LeafID: "ghost"})
	assertCode(t, err, codes.NotFound)

	_, err = client.ResolveLineage(callContext(t), &ResolveLineageRequest{})
	assertCode(t, err, codes.InvalidArgument)

	resp, err := client.ResolveLineage(callContext(t), &ResolveLineageRequest{
		Records: []storage.CheckpointRecord{
			{ID: "child", Metadata: map[string]string{storage.ParentCheckpointIDKey: "root"}},
			{ID: "root"},
		},
		LeafID: "child",
	})
	if err != nil {
		t.Fatalf("ResolveLineage: %v", err)
	}
	if !reflect.DeepEqual(resp.Path, []string{"root", "child"}) {
		t.Fatalf("path = %v", resp.Path)
	}
}

func TestRunIterationMissingInput(t *testing.T) {
	_, client := newTestClient(t)
	_, err := client.RunIteration(callContext(t), &RunIterationRequest{})
	assertCode(t, err, codes.InvalidArgument)
}

func TestServerResumesOnStartup(t *testing.T) {
	cfg := testServerConfig(t)
	store, err := storage.NewCheckpointStore(cfg.Checkpoint.Dir, nil)
	if err != nil {
		t.Fatalf("NewCheckpointStore: %v", err)
	}
	first, err := store.SaveCheckpoint(nil, nil, 4, map[string]string{trainer.MetadataEnvSteps: "40"})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	srv, conn := startTestServer(t, cfg)
	health := grpc_health_v1.NewHealthClient(conn)
	if _, err := health.Check(callContext(t), &grpc_health_v1.HealthCheckRequest{}); err != nil {
		t.Fatalf("health check: %v", err)
	}

	iteration, envSteps, last := srv.Pipeline().Progress()
	if iteration != 4 || envSteps != 40 || last != first.ID {
		t.Fatalf("progress = %d %d %q", iteration, envSteps, last)
	}
}

func TestHealthCheckServing(t *testing.T) {
	_, conn := startTestServer(t, testServerConfig(t))
	health := grpc_health_v1.NewHealthClient(conn)

	for _, service := range []string{"", ServiceName} {
		resp, err := health.Check(callContext(t), &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("health check %q: %v", service, err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Fatalf("health %q = %s", service, resp.Status)
		}
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	srv, client := newTestClient(t)
	samples := []rl.PPOSample{{OldLogProb: -1, NewLogProb: -1, Advantage: 1}}

	if _, err := client.ComputeLoss(callContext(t), &ComputeLossRequest{Samples: samples}); err != nil {
		t.Fatalf("ComputeLoss: %v", err)
	}
	_, err := client.ComputeLoss(callContext(t), &ComputeLossRequest{})
	assertCode(t, err, codes.InvalidArgument)

	expected := `
# HELP policyopt_requests_failed_total Total number of failed optimizer requests
# TYPE policyopt_requests_failed_total counter
policyopt_requests_failed_total{code="InvalidArgument",method="/policyopt.v1.PolicyOptimizer/ComputeLoss"} 1
`
	if err := testutil.GatherAndCompare(srv.Metrics().Registry(), strings.NewReader(expected), "policyopt_requests_failed_total"); err != nil {
		t.Fatalf("failed request metrics: %v", err)
	}
	count, err := testutil.GatherAndCount(srv.Metrics().Registry(), "policyopt_requests_total")
	if err != nil || count != 1 {
		t.Fatalf("requests_total series = %d, %v", count, err)
	}
}
