package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentgrid/a2ahub/internal/router"
	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/validate"
)

// errorBody is the uniform error envelope for all HTTP failures.
type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{
		Success: false,
		Error: errorDetail{
			Code:      "A2A_ERROR",
			Message:   msg,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// routes builds the full HTTP surface.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/agents/register", s.handleRegisterAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agentId}", s.handleUnregisterAgent).Methods(http.MethodDelete)
	r.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)

	r.HandleFunc("/subscriptions", s.handleAddSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{topic}", s.handleRemoveSubscription).Methods(http.MethodDelete)

	r.HandleFunc("/messages", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/messages/{messageId}/receipts", s.handleGetReceipts).Methods(http.MethodGet)

	r.HandleFunc("/topics", s.handleListTopics).Methods(http.MethodGet)
	r.HandleFunc("/topics", s.handleCreateTopic).Methods(http.MethodPost)
	r.HandleFunc("/topics/{name}/definition", s.handleTopicDefinition).Methods(http.MethodGet)
	r.HandleFunc("/topics/{name}/messages", s.handleTopicMessages).Methods(http.MethodGet)

	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleAddRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{ruleId}", s.handleRemoveRule).Methods(http.MethodDelete)

	r.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "unknown route: "+req.URL.Path)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.router.StatsSnapshot()
	status := "healthy"
	if stats.QueuedMessages > degradedQueueThreshold {
		status = "degraded"
	}
	if s.shuttingDown.Load() {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"connectedAgents": s.agents.attachedCount(),
		"topics":          s.history.TopicCount(),
		"uptime":          time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statsSnapshot())
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var reg types.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid registration body: "+err.Error())
		return
	}
	if !validate.ValidAgentID(reg.AgentID) {
		writeError(w, http.StatusBadRequest, "invalid agentId: "+reg.AgentID)
		return
	}
	for _, sub := range reg.Subscriptions {
		if !validate.ValidTopic(sub.Topic) {
			writeError(w, http.StatusBadRequest, "invalid subscription topic: "+sub.Topic)
			return
		}
	}
	if s.agents.size() >= s.cfg.MaxConnections {
		// A state error, not a server fault: the caller's request is
		// rejected, so this surfaces as a client error.
		writeError(w, http.StatusBadRequest, "hub at capacity")
		return
	}

	if err := s.router.RegisterAgent(&reg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.agents.ensure(reg.AgentID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"agentId": reg.AgentID,
	})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	if _, ok := s.router.Registration(agentID); !ok {
		writeError(w, http.StatusNotFound, "agent not found: "+agentID)
		return
	}

	s.router.UnregisterAgent(agentID)
	if ac, ok := s.agents.remove(agentID); ok {
		if conn, _, _ := ac.current(); conn != nil {
			s.closeStream(ac, conn, closeNormal, "agent unregistered")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// agentSummary is one row of the GET /agents response.
type agentSummary struct {
	AgentID       string               `json:"agentId"`
	AgentType     string               `json:"agentType"`
	Attached      bool                 `json:"attached"`
	QueuedCount   int                  `json:"queuedCount"`
	Subscriptions []types.Subscription `json:"subscriptions"`
	LastHeartbeat time.Time            `json:"lastHeartbeat"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	out := []agentSummary{}
	for _, id := range s.router.Agents() {
		reg, ok := s.router.Registration(id)
		if !ok {
			continue
		}
		summary := agentSummary{
			AgentID:       reg.AgentID,
			AgentType:     reg.AgentType,
			QueuedCount:   s.router.QueueLen(id),
			Subscriptions: reg.Subscriptions,
		}
		if ac, ok := s.agents.get(id); ok {
			summary.Attached = ac.attached()
			summary.LastHeartbeat = time.UnixMilli(ac.lastHeartbeat.Load())
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string             `json:"agentId"`
		Subscription types.Subscription `json:"subscription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription body: "+err.Error())
		return
	}
	if !validate.ValidTopic(req.Subscription.Topic) {
		writeError(w, http.StatusBadRequest, "invalid topic: "+req.Subscription.Topic)
		return
	}
	if err := s.router.AddSubscription(req.AgentID, req.Subscription); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *Server) handleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId query parameter is required")
		return
	}
	if err := s.router.RemoveSubscription(agentID, topic); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body: "+err.Error())
		return
	}

	receipts, vErrs := s.ingest(&msg, "", "http")
	if vErrs != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+joinErrors(vErrs))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"receipts": receipts,
	})
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageId"]
	receipts := s.receipts.Get(messageID)
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": messageID,
		"receipts":  receipts,
	})
}

func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.history.Definitions()})
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var def types.TopicDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid topic body: "+err.Error())
		return
	}
	if !validate.ValidTopic(def.Name) {
		writeError(w, http.StatusBadRequest, "invalid topic name: "+def.Name)
		return
	}
	if err := s.history.DefineTopic(def); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrDuplicateTopic) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "topic": def.Name})
}

func (s *Server) handleTopicDefinition(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, err := s.history.Definition(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleTopicMessages(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	msgs, total, err := s.history.Messages(name, limit, offset)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":    name,
		"messages": msgs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.router.Rules()})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	if err := s.router.AddRule(&rule); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrDuplicateRule) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "ruleId": rule.ID})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["ruleId"]
	if !s.router.RemoveRule(ruleID) {
		writeError(w, http.StatusNotFound, "rule not found: "+ruleID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
