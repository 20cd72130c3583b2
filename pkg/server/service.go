package server

import (
	"context"
	"path/filepath"

	"google.golang.org/grpc"

	"policy-optimizer/internal/rl"
	"policy-optimizer/internal/trainer"
	"policy-optimizer/pkg/storage"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "policyopt.v1.PolicyOptimizer"

const (
	methodComputeAdvantages = "/" + ServiceName + "/ComputeAdvantages"
	methodComputeLoss       = "/" + ServiceName + "/ComputeLoss"
	methodComputeUpdate     = "/" + ServiceName + "/ComputeUpdate"
	methodRunIteration      = "/" + ServiceName + "/RunIteration"
	methodResolveLineage    = "/" + ServiceName + "/ResolveLineage"
	methodResumeCheckpoint  = "/" + ServiceName + "/ResumeCheckpoint"
)

// ComputeAdvantagesRequest runs GAE over one trajectory. Config overrides the server defaults.
type ComputeAdvantagesRequest struct {
	Trajectory []rl.TrajectoryStep `json:"trajectory"`
	Config     *rl.GAEConfig       `json:"config,omitempty"`
}

// ComputeAdvantagesResponse carries the advantage batch
type ComputeAdvantagesResponse struct {
	Batch *rl.AdvantageBatch `json:"batch"`
}

// ComputeLossRequest evaluates the PPO loss. Config overrides the server defaults.
type ComputeLossRequest struct {
	Samples []rl.PPOSample `json:"samples"`
	Config  *rl.PPOConfig  `json:"config,omitempty"`
}

// ComputeLossResponse carries the mean loss terms
type ComputeLossResponse struct {
	Loss *rl.PPOLossBreakdown `json:"loss"`
}

// ComputeUpdateRequest aggregates one PPO update. Config overrides the server defaults.
type ComputeUpdateRequest struct {
	Samples []rl.PPOSample `json:"samples"`
	Config  *rl.PPOConfig  `json:"config,omitempty"`
}

// ComputeUpdateResponse carries the aggregated update summary
type ComputeUpdateResponse struct {
	Summary *rl.PPOUpdateSummary `json:"summary"`
}

// RunIterationRequest runs one full training iteration
type RunIterationRequest struct {
	Input *trainer.IterationInput `json:"input"`
}

// RunIterationResponse reports the outcome of one iteration
type RunIterationResponse struct {
	Result *trainer.IterationResult `json:"result"`
}

// ResolveLineageRequest resolves over Records when given, otherwise over the
// checkpoints in the server's checkpoint directory
type ResolveLineageRequest struct {
	Records []storage.CheckpointRecord `json:"records,omitempty"`
	LeafID  string                     `json:"leaf_id"`
}

// ResolveLineageResponse lists checkpoint ids from root to leaf
type ResolveLineageResponse struct {
	Path []string `json:"path"`
}

// ResumeCheckpointRequest names checkpoint files relative to the checkpoint
// directory. With no primary the two newest checkpoints are used.
type ResumeCheckpointRequest struct {
	PrimaryPath  string `json:"primary_path,omitempty"`
	FallbackPath string `json:"fallback_path,omitempty"`
}

// ResumeCheckpointResponse carries the restored checkpoint and the rendered resume report
type ResumeCheckpointResponse struct {
	Checkpoint  *storage.PolicyCheckpoint  `json:"checkpoint"`
	Diagnostics *storage.ResumeDiagnostics `json:"diagnostics"`
	Report      string                     `json:"report"`
}

// PolicyOptimizerServer is the server API for the optimizer service
type PolicyOptimizerServer interface {
	ComputeAdvantages(context.Context, *ComputeAdvantagesRequest) (*ComputeAdvantagesResponse, error)
	ComputeLoss(context.Context, *ComputeLossRequest) (*ComputeLossResponse, error)
	ComputeUpdate(context.Context, *ComputeUpdateRequest) (*ComputeUpdateResponse, error)
	RunIteration(context.Context, *RunIterationRequest) (*RunIterationResponse, error)
	ResolveLineage(context.Context, *ResolveLineageRequest) (*ResolveLineageResponse, error)
	ResumeCheckpoint(context.Context, *ResumeCheckpointRequest) (*ResumeCheckpointResponse, error)
}

// RegisterPolicyOptimizerServer registers srv on s
func RegisterPolicyOptimizerServer(s grpc.ServiceRegistrar, srv PolicyOptimizerServer) {
	s.RegisterService(&policyOptimizerServiceDesc, srv)
}

var policyOptimizerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PolicyOptimizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ComputeAdvantages", Handler: computeAdvantagesHandler},
		{MethodName: "ComputeLoss", Handler: computeLossHandler},
		{MethodName: "ComputeUpdate", Handler: computeUpdateHandler},
		{MethodName: "RunIteration", Handler: runIterationHandler},
		{MethodName: "ResolveLineage", Handler: resolveLineageHandler},
		{MethodName: "ResumeCheckpoint", Handler: resumeCheckpointHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "policyopt/v1/policy_optimizer",
}

// unaryHandler decodes a request of type Req and routes it through the interceptor chain
func unaryHandler[Req any, Resp any](method string, call func(PolicyOptimizerServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PolicyOptimizerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PolicyOptimizerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	computeAdvantagesHandler = unaryHandler(methodComputeAdvantages, PolicyOptimizerServer.ComputeAdvantages)
	computeLossHandler       = unaryHandler(methodComputeLoss, PolicyOptimizerServer.ComputeLoss)
	computeUpdateHandler     = unaryHandler(methodComputeUpdate, PolicyOptimizerServer.ComputeUpdate)
	runIterationHandler      = unaryHandler(methodRunIteration, PolicyOptimizerServer.RunIteration)
	resolveLineageHandler    = unaryHandler(methodResolveLineage, PolicyOptimizerServer.ResolveLineage)
	resumeCheckpointHandler  = unaryHandler(methodResumeCheckpoint, PolicyOptimizerServer.ResumeCheckpoint)
)

// optimizerService adapts the training pipeline to the gRPC API
type optimizerService struct {
	pipeline *trainer.Pipeline
}

func newOptimizerService(pipeline *trainer.Pipeline) *optimizerService {
	return &optimizerService{pipeline: pipeline}
}

func (s *optimizerService) ComputeAdvantages(ctx context.Context, req *ComputeAdvantagesRequest) (*ComputeAdvantagesResponse, error) {
	batch, err := s.pipeline.ComputeAdvantages(ctx, req.Trajectory, req.Config)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ComputeAdvantagesResponse{Batch: batch}, nil
}

func (s *optimizerService) ComputeLoss(ctx context.Context, req *ComputeLossRequest) (*ComputeLossResponse, error) {
	loss, err := s.pipeline.ComputeLoss(ctx, req.Samples, req.Config)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ComputeLossResponse{Loss: loss}, nil
}

func (s *optimizerService) ComputeUpdate(ctx context.Context, req *ComputeUpdateRequest) (*ComputeUpdateResponse, error) {
	summary, err := s.pipeline.ComputeUpdate(ctx, req.Samples, req.Config)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ComputeUpdateResponse{Summary: summary}, nil
}

func (s *optimizerService) RunIteration(ctx context.Context, req *RunIterationRequest) (*RunIterationResponse, error) {
	if req.Input == nil {
		return nil, toStatus(errMissingField("input"))
	}
	result, err := s.pipeline.RunIteration(ctx, req.Input)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RunIterationResponse{Result: result}, nil
}

func (s *optimizerService) ResolveLineage(ctx context.Context, req *ResolveLineageRequest) (*ResolveLineageResponse, error) {
	if req.LeafID == "" {
		return nil, toStatus(errMissingField("leaf_id"))
	}

	var (
		path []string
		err  error
	)
	switch {
	case len(req.Records) > 0:
		path, err = storage.ResolveCheckpointLineagePath(req.Records, req.LeafID)
	case s.pipeline.Store() != nil:
		path, err = s.pipeline.Store().Lineage(req.LeafID)
	default:
		err = trainer.ErrCheckpointingDisabled
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &ResolveLineageResponse{Path: path}, nil
}

func (s *optimizerService) ResumeCheckpoint(ctx context.Context, req *ResumeCheckpointRequest) (*ResumeCheckpointResponse, error) {
	store := s.pipeline.Store()
	if store == nil {
		return nil, toStatus(trainer.ErrCheckpointingDisabled)
	}

	var (
		checkpoint  *storage.PolicyCheckpoint
		diagnostics *storage.ResumeDiagnostics
		err         error
	)
	if req.PrimaryPath == "" {
		checkpoint, diagnostics, err = s.pipeline.Resume()
	} else {
		primary, perr := confinePath(store.Dir(), req.PrimaryPath)
		if perr != nil {
			return nil, toStatus(perr)
		}
		fallback, ferr := confinePath(store.Dir(), req.FallbackPath)
		if ferr != nil {
			return nil, toStatus(ferr)
		}
		checkpoint, diagnostics, err = s.pipeline.ResumeFrom(primary, fallback)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	return &ResumeCheckpointResponse{
		Checkpoint:  checkpoint,
		Diagnostics: diagnostics,
		Report:      storage.RenderResumeDiagnostics(checkpoint, diagnostics),
	}, nil
}

// confinePath resolves name inside dir and rejects anything that escapes it
func confinePath(dir, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if filepath.IsAbs(name) {
		rel, err := filepath.Rel(dir, name)
		if err != nil || !filepath.IsLocal(rel) {
			return "", &pathError{path: name}
		}
		name = rel
	}
	if !filepath.IsLocal(name) {
		return "", &pathError{path: name}
	}
	return filepath.Join(dir, name), nil
}

// PolicyOptimizerClient is the client API for the optimizer service
type PolicyOptimizerClient struct {
	cc grpc.ClientConnInterface
}

// NewPolicyOptimizerClient returns a client that speaks the JSON codec
func NewPolicyOptimizerClient(cc grpc.ClientConnInterface) *PolicyOptimizerClient {
	return &PolicyOptimizerClient{cc: cc}
}

func (c *PolicyOptimizerClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *PolicyOptimizerClient) ComputeAdvantages(ctx context.Context, in *ComputeAdvantagesRequest, opts ...grpc.CallOption) (*ComputeAdvantagesResponse, error) {
	out := new(ComputeAdvantagesResponse)
	if err := c.invoke(ctx, methodComputeAdvantages, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyOptimizerClient) ComputeLoss(ctx context.Context, in *ComputeLossRequest, opts ...grpc.CallOption) (*ComputeLossResponse, error) {
	out := new(ComputeLossResponse)
	if err := c.invoke(ctx, methodComputeLoss, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyOptimizerClient) ComputeUpdate(ctx context.Context, in *ComputeUpdateRequest, opts ...grpc.CallOption) (*ComputeUpdateResponse, error) {
	out := new(ComputeUpdateResponse)
	if err := c.invoke(ctx, methodComputeUpdate, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyOptimizerClient) RunIteration(ctx context.Context, in *RunIterationRequest, opts ...grpc.CallOption) (*RunIterationResponse, error) {
	out := new(RunIterationResponse)
	if err := c.invoke(ctx, methodRunIteration, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyOptimizerClient) ResolveLineage(ctx context.Context, in *ResolveLineageRequest, opts ...grpc.CallOption) (*ResolveLineageResponse, error) {
	out := new(ResolveLineageResponse)
	if err := c.invoke(ctx, methodResolveLineage, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyOptimizerClient) ResumeCheckpoint(ctx context.Context, in *ResumeCheckpointRequest, opts ...grpc.CallOption) (*ResumeCheckpointResponse, error) {
	out := new(ResumeCheckpointResponse)
	if err := c.invoke(ctx, methodResumeCheckpoint, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
