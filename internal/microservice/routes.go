package microservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/docarray"
	"github.com/savaki/opea-comps/internal/megaservice"
)

const maxBodyBytes = 10 << 20

// Guard screens a document
type Guard interface {
	Invoke(ctx context.Context, doc docarray.Doc) (docarray.TextDoc, error)
}

// Scheduler runs a request through a megaservice graph
type Scheduler interface {
	Schedule(ctx context.Context, inputs map[string]any, params docarray.LLMParams) (megaservice.Results, *megaservice.DAG, error)
}

// RegisterGuardrail serves POST /v1/guardrails accepting a TextDoc or GeneratedDoc
func (s *Server) RegisterGuardrail(guard Guard) {
	s.router.Post("/v1/guardrails", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "failed to read request")
			return
		}

		doc, err := docarray.Decode(body)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := guard.Invoke(r.Context(), doc)
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Guardrail invocation failed")
			errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResponse(w, http.StatusOK, result)
	})
}

// RegisterMegaservice serves POST /v1/{name}. The request body is the graph input and
// also carries the LLM parameters. A streamed leaf is relayed as server sent events,
// otherwise the leaf outputs are returned as JSON.
func (s *Server) RegisterMegaservice(name string, scheduler Scheduler) {
	s.router.Post("/v1/"+name, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "failed to read request")
			return
		}

		var inputs map[string]any
		if err := json.Unmarshal(body, &inputs); err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid JSON request")
			return
		}
		var params docarray.LLMParams
		if err := json.Unmarshal(body, &params); err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid LLM parameters: "+err.Error())
			return
		}

		results, graph, err := scheduler.Schedule(ctx, inputs, params)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("megaservice", name).Msg("Schedule failed")
			errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}

		final := megaservice.FinalOutputs(results, graph)
		leaves := graph.Leaves()
		for _, leaf := range leaves {
			if resp := final[leaf]; resp.IsStream() {
				closeOthers(final, leaf)
				relayStream(ctx, w, resp.Stream)
				return
			}
		}

		if len(leaves) == 1 {
			if resp, ok := final[leaves[0]]; ok {
				if resp.Audio != nil {
					w.Header().Set("Content-Type", "audio/wav")
					_, _ = w.Write(resp.Audio)
					return
				}
				jsonResponse(w, http.StatusOK, resp.Data)
				return
			}
		}

		out := map[string]any{}
		for leaf, resp := range final {
			out[leaf] = resp.Data
		}
		jsonResponse(w, http.StatusOK, out)
	})
}

func relayStream(ctx context.Context, w http.ResponseWriter, stream io.ReadCloser) {
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				zerolog.Ctx(ctx).Error().Err(err).Msg("Stream relay failed")
			}
			return
		}
	}
}

func closeOthers(final megaservice.Results, keep string) {
	for leaf, resp := range final {
		if leaf != keep && resp.IsStream() {
			resp.Stream.Close()
		}
	}
}
