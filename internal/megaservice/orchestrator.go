// Package megaservice composes microservices into a DAG and schedules requests through it.
package megaservice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/docarray"
	"github.com/savaki/opea-comps/internal/errors"
	"golang.org/x/sync/errgroup"
)

const requestTimeout = 2000 * time.Second

// Response is the reply of one node: a JSON object, raw audio, or an SSE stream
type Response struct {
	Data   map[string]any
	Audio  []byte
	Stream io.ReadCloser
}

func (r *Response) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Results maps node name to its response
type Results map[string]*Response

// Aligner adapts requests and responses of a specific megaservice
type Aligner interface {
	AlignInputs(node string, inputs map[string]any, params docarray.LLMParams) map[string]any
	AlignOutputs(node string, resp *Response, inputs map[string]any, params docarray.LLMParams) *Response
	AlignStream(node string, stream io.ReadCloser) io.ReadCloser
}

// NopAligner passes everything through unchanged
type NopAligner struct{}

func (NopAligner) AlignInputs(_ string, inputs map[string]any, _ docarray.LLMParams) map[string]any {
	return inputs
}

func (NopAligner) AlignOutputs(_ string, resp *Response, _ map[string]any, _ docarray.LLMParams) *Response {
	return resp
}

func (NopAligner) AlignStream(_ string, stream io.ReadCloser) io.ReadCloser {
	return stream
}

// Orchestrator manages one or more microservices in a DAG
type Orchestrator struct {
	graph    *DAG
	services map[string]MicroService
	aligner  Aligner
	client   *http.Client
	metrics  *Metrics
}

type Option func(*Orchestrator)

func WithAligner(a Aligner) Option {
	return func(o *Orchestrator) { o.aligner = a }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:    NewDAG(),
		services: map[string]MicroService{},
		aligner:  NopAligner{},
		client:   &http.Client{Timeout: requestTimeout},
		metrics:  defaultMetrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Graph() *DAG {
	return o.graph
}

func (o *Orchestrator) Service(name string) (MicroService, bool) {
	svc, ok := o.services[name]
	return svc, ok
}

func (o *Orchestrator) Add(svc MicroService) error {
	if _, ok := o.services[svc.Name]; ok {
		return fmt.Errorf("%w: %s", errors.ErrServiceExists, svc.Name)
	}
	o.services[svc.Name] = svc
	o.graph.AddNode(svc.Name)
	return nil
}

// FlowTo connects two services; failures are logged and reported as false
func (o *Orchestrator) FlowTo(ctx context.Context, from, to string) bool {
	if err := o.graph.AddEdge(from, to); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("from", from).Str("to", to).Msg("Failed to add flow")
		return false
	}
	return true
}

type completion struct {
	node string
	resp *Response
}

// request is the state of one Schedule call shared with the streams it spawns
type request struct {
	ctx    context.Context
	start  time.Time
	params docarray.LLMParams
	done   func()
}

// Schedule sends inputs through the graph. Independent nodes start immediately and a
// node starts once every predecessor in the runtime graph has replied. The runtime graph
// is returned with blacklisted and unreachable nodes removed.
func (o *Orchestrator) Schedule(ctx context.Context, inputs map[string]any, params docarray.LLMParams) (Results, *DAG, error) {
	logger := zerolog.Ctx(ctx)

	o.metrics.PendingUpdate(true)
	req := &request{
		ctx:    ctx,
		start:  time.Now(),
		params: params,
		done:   sync.OnceFunc(func() { o.metrics.PendingUpdate(false) }),
	}

	results := Results{}
	runtime := o.graph.Clone()
	independent := o.graph.IndependentNodes()

	scheduleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(scheduleCtx)
	done := make(chan completion)

	var (
		pending  int
		streamed bool
		failure  error
	)

	start := func(node string, in map[string]any) {
		pending++
		downstream := runtime.Downstream(node)
		g.Go(func() error {
			resp, name, err := o.execute(gctx, req, node, in, downstream)
			if err != nil {
				return err
			}
			select {
			case done <- completion{node: name, resp: resp}:
				return nil
			case <-gctx.Done():
				if resp.IsStream() {
					resp.Stream.Close()
				}
				return gctx.Err()
			}
		})
	}

	for _, node := range independent {
		start(node, maps.Clone(inputs))
	}

loop:
	for pending > 0 {
		var c completion
		select {
		case c = <-done:
			pending--
		case <-gctx.Done():
			break loop
		}

		results[c.node] = c.resp
		downstreams := runtime.Downstream(c.node)

		if c.resp.IsStream() {
			streamed = true
		} else if patterns, ok := blackList(c.resp.Data); ok && len(patterns) > 0 {
			downstreams = o.applyBlackList(ctx, runtime, c.node, downstreams, patterns)
			if len(downstreams) == 0 && params.Stream {
				text, _ := c.resp.Data["text"].(string)
				results[c.node] = &Response{Stream: io.NopCloser(strings.NewReader(textEvents(text)))}
			}
		}

		for _, next := range downstreams {
			preds := runtime.Predecessors(next)
			if !allDone(preds, results) {
				continue
			}
			merged, err := mergeOutputs(preds, results)
			if err != nil {
				logger.Error().Err(err).Str("node", next).Msg("Cannot build node inputs")
				failure = err
				cancel()
				break loop
			}
			start(next, merged)
		}
	}

	err := g.Wait()
	if failure != nil {
		err = failure
	}
	if err != nil {
		closeStreams(results)
		req.done()
		return nil, nil, err
	}
	if !streamed {
		req.done()
	}

	keep := map[string]bool{}
	for _, node := range independent {
		keep[node] = true
		for _, n := range runtime.AllDownstreams(node) {
			keep[n] = true
		}
	}
	for _, node := range runtime.Nodes() {
		if !keep[node] {
			runtime.DeleteNode(node)
		}
	}

	return results, runtime, nil
}

// applyBlackList removes the edges from node to every downstream matching a pattern
func (o *Orchestrator) applyBlackList(ctx context.Context, runtime *DAG, node string, downstreams, patterns []string) []string {
	logger := zerolog.Ctx(ctx)
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Error().Err(err).Str("pattern", pattern).Msg("Pattern invalid, operation cancelled")
			continue
		}
		kept := downstreams[:0:0]
		for _, d := range downstreams {
			if re.MatchString(d) {
				logger.Debug().Str("node", node).Str("downstream", d).Msg("Skip forwarding")
				_ = runtime.DeleteEdge(node, d)
				continue
			}
			kept = append(kept, d)
		}
		downstreams = kept
	}
	return downstreams
}

func blackList(data map[string]any) ([]string, bool) {
	raw, ok := data["downstream_black_list"]
	if !ok {
		return nil, false
	}
	items, _ := raw.([]any)
	patterns := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			patterns = append(patterns, s)
		}
	}
	return patterns, true
}

func allDone(nodes []string, results Results) bool {
	for _, n := range nodes {
		if _, ok := results[n]; !ok {
			return false
		}
	}
	return true
}

// mergeOutputs merges the JSON replies of nodes; later keys win
func mergeOutputs(nodes []string, results Results) (map[string]any, error) {
	merged := map[string]any{}
	for _, n := range nodes {
		resp := results[n]
		if resp == nil || resp.Data == nil {
			return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedOutput, n)
		}
		maps.Copy(merged, resp.Data)
	}
	return merged, nil
}

func closeStreams(results Results) {
	for _, resp := range results {
		if resp.IsStream() {
			resp.Stream.Close()
		}
	}
}

// FinalOutputs returns the responses of the leaves of graph
func FinalOutputs(results Results, graph *DAG) Results {
	final := Results{}
	for _, leaf := range graph.Leaves() {
		if resp, ok := results[leaf]; ok {
			final[leaf] = resp
		}
	}
	return final
}

func (o *Orchestrator) post(ctx context.Context, endpoint, apiKey string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// execute sends inputs to node. A streaming LLM with one downstream node hands its
// stream to that node, so the returned name is the node the response belongs to.
func (o *Orchestrator) execute(ctx context.Context, req *request, node string, inputs map[string]any, downstream []string) (*Response, string, error) {
	params := req.params
	logger := zerolog.Ctx(ctx).With().Str("node", node).Logger()
	svc := o.services[node]

	if svc.Type.streams() {
		for k, v := range params.Map() {
			inputs[k] = v
		}
	}
	inputs = o.aligner.AlignInputs(node, inputs, params)

	var model string
	if svc.APIKey != "" {
		model, _ = inputs["model"].(string)
	}
	endpoint := svc.EndpointPath(model)
	logger.Debug().Str("endpoint", endpoint).Interface("inputs", inputs).Msg("Executing node")

	if svc.Type.streams() && params.Stream {
		if len(downstream) > 1 {
			return nil, node, fmt.Errorf("%w: %s -> %s", errors.ErrUnsupportedStream, node, strings.Join(downstream, ", "))
		}

		// the stream outlives scheduling, so it is bound to the request context
		resp, err := o.post(req.ctx, endpoint, svc.APIKey, inputs)
		if err != nil {
			return nil, node, err
		}

		var target *MicroService
		if len(downstream) == 1 {
			next := o.services[downstream[0]]
			target = &next
			node = next.Name
		}

		pr, pw := io.Pipe()
		go func() {
			defer resp.Body.Close()
			err := o.relay(req.ctx, req.start, resp.Body, pw, target)
			o.metrics.RequestUpdate(req.start)
			req.done()
			pw.CloseWithError(err)
		}()
		return &Response{Stream: o.aligner.AlignStream(node, pr)}, node, nil
	}

	resp, err := o.post(ctx, endpoint, svc.APIKey, inputs)
	if err != nil {
		return nil, node, err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "audio/wav" {
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, node, fmt.Errorf("failed to read audio from %s: %w", node, err)
		}
		return o.aligner.AlignOutputs(node, &Response{Audio: audio}, inputs, params), node, nil
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, node, fmt.Errorf("failed to decode reply of %s: %w", node, err)
	}
	return o.aligner.AlignOutputs(node, &Response{Data: data}, inputs, params), node, nil
}

// relay copies the SSE body to w. With a target, chunks are buffered until a sentence
// ends, sent to the target as {"text": ...} and its reply re-emitted token by token.
func (o *Orchestrator) relay(ctx context.Context, reqStart time.Time, body io.Reader, w io.Writer, target *MicroService) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	scanner.Split(scanEvents)

	var (
		tokenStart = reqStart
		first      = true
		buffered   string
		finished   bool
	)

	flush := func(last bool) error {
		var text string
		if buffered != "" {
			reply, err := o.forward(ctx, *target, buffered)
			if err != nil {
				return err
			}
			text = reply
		}
		buffered = ""
		for _, event := range TokenEvents(text, last) {
			tokenStart = o.metrics.TokenUpdate(tokenStart, first)
			first = false
			if _, err := io.WriteString(w, event); err != nil {
				return err
			}
		}
		return nil
	}

	for scanner.Scan() {
		chunk := scanner.Text()
		if chunk == "" {
			continue
		}

		if target == nil {
			tokenStart = o.metrics.TokenUpdate(tokenStart, first)
			first = false
			if _, err := io.WriteString(w, chunk); err != nil {
				return err
			}
			continue
		}

		buffered += ExtractChunkStr(chunk)
		last := strings.HasSuffix(chunk, "[DONE]\n\n")
		if last || (buffered != "" && endsSentence(buffered)) {
			if err := flush(last); err != nil {
				return err
			}
			finished = finished || last
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	if target != nil && !finished {
		return flush(true)
	}
	return nil
}

// forward posts buffered text to the downstream node and returns the text it replies with
func (o *Orchestrator) forward(ctx context.Context, target MicroService, text string) (string, error) {
	resp, err := o.post(ctx, target.EndpointPath(""), target.APIKey, map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var reply map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("failed to decode reply of %s: %w", target.Name, err)
	}
	s, ok := reply["text"].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s reply has no text", errors.ErrUnsupportedOutput, target.Name)
	}
	return s, nil
}
