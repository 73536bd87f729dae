package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-plugin"
)

// PluginName is the single go-plugin entry every bundle serves.
const PluginName = "bundle"

// Handshake must match between the service and a bundle; a bundle built
// against an incompatible protocol refuses to start.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SNIFFER_PLUGIN",
	MagicCookieValue: "0f4b6c1e-2a38-4d0e-9a51-7c3f61c2d5a8",
}

var ErrUnknownPlugin = errors.New("unknown plugin")

// DescribeReply lists the plugins of a bundle.
type DescribeReply struct {
	Plugins []PluginInfo
}

type PluginInfo struct {
	Descriptor     Descriptor
	Kind           Kind
	DefaultOptions json.RawMessage
	Help           string
}

type CallArgs struct {
	CallID   string
	PluginID string
	Options  json.RawMessage
	LogLevel slog.Level
}

type RevisionsArgs struct {
	CallArgs
}

type RevisionsReply struct {
	Revisions []Revision
	Log       []LogLine
	Err       string
}

type CheckoutArgs struct {
	CallArgs
	Revision Revision
	Path     string
}

type CheckoutReply struct {
	Log []LogLine
	Err string
}

type ExecuteArgs struct {
	CallArgs
	Path    string
	Context ScanContext
}

type ExecuteReply struct {
	Report *Report
	Log    []LogLine
	Err    string
}

// BundlePlugin is the go-plugin glue of the net/rpc protocol.
// Plugins is only used on the bundle side.
type BundlePlugin struct {
	Plugins []Plugin
}

func (p *BundlePlugin) Server(*plugin.MuxBroker) (any, error) {
	return NewRPCServer(p.Plugins...), nil
}

func (*BundlePlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &RPCClient{client: c}, nil
}

// RPCServer runs inside a bundle process and dispatches calls to the
// registered plugins.
type RPCServer struct {
	plugins map[string]Plugin
	order   []string
	mx      sync.Mutex
	calls   map[string]context.CancelFunc
}

func NewRPCServer(plugins ...Plugin) *RPCServer {
	s := &RPCServer{
		plugins: make(map[string]Plugin, len(plugins)),
		calls:   make(map[string]context.CancelFunc),
	}
	for _, p := range plugins {
		id := p.Descriptor().ID
		if _, ok := s.plugins[id]; ok {
			continue
		}
		s.plugins[id] = p
		s.order = append(s.order, id)
	}
	return s
}

func (s *RPCServer) Describe(_ any, reply *DescribeReply) error {
	for _, id := range s.order {
		p := s.plugins[id]
		info := PluginInfo{
			Descriptor:     p.Descriptor(),
			Kind:           KindOf(p),
			DefaultOptions: p.DefaultOptions(),
		}
		if h, ok := p.(Helper); ok {
			info.Help = h.OptionsHelp()
		}
		reply.Plugins = append(reply.Plugins, info)
	}
	return nil
}

func (s *RPCServer) Revisions(args RevisionsArgs, reply *RevisionsReply) error {
	ctx, done := s.begin(args.CallID)
	defer done()
	logger, buf := newCapture(args.LogLevel)
	defer func() { reply.Log = buf.drain() }()

	repo, err := s.repository(args.CallArgs, logger)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	for rev, err := range repo.Revisions(ctx) {
		if err != nil {
			reply.Err = err.Error()
			return nil
		}
		reply.Revisions = append(reply.Revisions, rev)
	}
	return nil
}

func (s *RPCServer) Checkout(args CheckoutArgs, reply *CheckoutReply) error {
	ctx, done := s.begin(args.CallID)
	defer done()
	logger, buf := newCapture(args.LogLevel)
	defer func() { reply.Log = buf.drain() }()

	repo, err := s.repository(args.CallArgs, logger)
	if err == nil {
		err = repo.Checkout(ctx, args.Revision, args.Path)
	}
	if err != nil {
		reply.Err = err.Error()
	}
	return nil
}

func (s *RPCServer) Execute(args ExecuteArgs, reply *ExecuteReply) error {
	ctx, done := s.begin(args.CallID)
	defer done()
	logger, buf := newCapture(args.LogLevel)
	defer func() { reply.Log = buf.drain() }()

	p, ok := s.plugins[args.PluginID].(CheckPlugin)
	if !ok {
		reply.Err = fmt.Sprintf("%s: %s is not a check plugin", ErrUnknownPlugin, args.PluginID)
		return nil
	}
	check, err := p.NewCheck(logger, args.Options)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	report, err := check.Execute(ctx, args.Path, args.Context)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	reply.Report = report
	return nil
}

// Cancel cancels the context of a running call, unknown ids are ignored.
func (s *RPCServer) Cancel(callID string, reply *bool) error {
	s.mx.Lock()
	cancel, ok := s.calls[callID]
	s.mx.Unlock()
	if ok {
		cancel()
	}
	*reply = ok
	return nil
}

func (s *RPCServer) begin(callID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mx.Lock()
	s.calls[callID] = cancel
	s.mx.Unlock()
	return ctx, func() {
		s.mx.Lock()
		delete(s.calls, callID)
		s.mx.Unlock()
		cancel()
	}
}

func (s *RPCServer) repository(args CallArgs, logger *slog.Logger) (Repository, error) {
	p, ok := s.plugins[args.PluginID].(RepositoryPlugin)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a repository plugin", ErrUnknownPlugin, args.PluginID)
	}
	return p.NewRepository(logger, args.Options)
}

// RPCClient is the service side of a bundle connection.
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Describe(ctx context.Context) ([]PluginInfo, error) {
	reply, err := call[DescribeReply](ctx, c, "", "Plugin.Describe", new(any))
	if err != nil {
		return nil, err
	}
	return reply.Plugins, nil
}

// Plugins returns proxies for the plugins of the bundle. Each proxy
// implements the capability its Kind advertises.
func (c *RPCClient) Plugins(ctx context.Context) ([]Plugin, error) {
	infos, err := c.Describe(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Plugin, 0, len(infos))
	for _, info := range infos {
		base := remotePlugin{client: c, info: info}
		switch info.Kind {
		case KindRepository:
			ret = append(ret, &remoteRepositoryPlugin{base})
		case KindCheck:
			ret = append(ret, &remoteCheckPlugin{base})
		default:
			ret = append(ret, &base)
		}
	}
	return ret, nil
}

// call issues an rpc call which is abandoned, and canceled in the bundle,
// once ctx is done. An abandoned reply is never read.
func call[R any](ctx context.Context, c *RPCClient, callID, method string, args any) (R, error) {
	reply := new(R)
	pending := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-pending.Done:
		return *reply, pending.Error
	case <-ctx.Done():
		if callID != "" {
			var ok bool
			_ = c.client.Call("Plugin.Cancel", callID, &ok)
		}
		var zero R
		return zero, ctx.Err()
	}
}

func (c *RPCClient) callArgs(ctx context.Context, pluginID string, options json.RawMessage, logger *slog.Logger) CallArgs {
	level := slog.LevelInfo
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if logger.Enabled(ctx, l) {
			level = l
			break
		}
	}
	return CallArgs{
		CallID:   uuid.NewString(),
		PluginID: pluginID,
		Options:  options,
		LogLevel: level,
	}
}

type remotePlugin struct {
	client *RPCClient
	info   PluginInfo
}

func (p *remotePlugin) Descriptor() Descriptor          { return p.info.Descriptor }
func (p *remotePlugin) DefaultOptions() json.RawMessage { return p.info.DefaultOptions }
func (p *remotePlugin) OptionsHelp() string             { return p.info.Help }

type remoteRepositoryPlugin struct {
	remotePlugin
}

func (p *remoteRepositoryPlugin) NewRepository(logger *slog.Logger, options json.RawMessage) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &remoteRepository{plugin: &p.remotePlugin, logger: logger, options: options}, nil
}

type remoteRepository struct {
	plugin  *remotePlugin
	logger  *slog.Logger
	options json.RawMessage
}

func (r *remoteRepository) Revisions(ctx context.Context) iter.Seq2[Revision, error] {
	return func(yield func(Revision, error) bool) {
		c := r.plugin.client
		args := RevisionsArgs{CallArgs: c.callArgs(ctx, r.plugin.info.Descriptor.ID, r.options, r.logger)}
		reply, err := call[RevisionsReply](ctx, c, args.CallID, "Plugin.Revisions", args)
		Replay(ctx, r.logger, reply.Log)
		if err == nil && reply.Err != "" {
			err = errors.New(reply.Err)
		}
		if err != nil {
			yield(Revision{}, err)
			return
		}
		for _, rev := range reply.Revisions {
			if !yield(rev, nil) {
				return
			}
		}
	}
}

func (r *remoteRepository) Checkout(ctx context.Context, revision Revision, path string) error {
	c := r.plugin.client
	args := CheckoutArgs{
		CallArgs: c.callArgs(ctx, r.plugin.info.Descriptor.ID, r.options, r.logger),
		Revision: revision,
		Path:     path,
	}
	reply, err := call[CheckoutReply](ctx, c, args.CallID, "Plugin.Checkout", args)
	Replay(ctx, r.logger, reply.Log)
	if err != nil {
		return err
	}
	if reply.Err != "" {
		return errors.New(reply.Err)
	}
	return nil
}

type remoteCheckPlugin struct {
	remotePlugin
}

func (p *remoteCheckPlugin) NewCheck(logger *slog.Logger, options json.RawMessage) (Check, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &remoteCheck{plugin: &p.remotePlugin, logger: logger, options: options}, nil
}

type remoteCheck struct {
	plugin  *remotePlugin
	logger  *slog.Logger
	options json.RawMessage
}

func (r *remoteCheck) Execute(ctx context.Context, path string, sc ScanContext) (*Report, error) {
	c := r.plugin.client
	args := ExecuteArgs{
		CallArgs: c.callArgs(ctx, r.plugin.info.Descriptor.ID, r.options, r.logger),
		Path:     path,
		Context:  sc,
	}
	reply, err := call[ExecuteReply](ctx, c, args.CallID, "Plugin.Execute", args)
	Replay(ctx, r.logger, reply.Log)
	if err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	return reply.Report, nil
}
