package remote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/roach88/outboxd/internal/ops"
)

// Entity is the server's view of one entity.
type Entity struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deleted    bool            `json:"deleted"`
	// Version is the createdAt of the winning mutation.
	Version  time.Time `json:"version"`
	RecordID string    `json:"record_id"`
}

// Server is an in-memory reference implementation of the apply contract:
// writes are idempotent per record ID and resolved last-writer-wins by the
// mutation's createdAt.
type Server struct {
	mu       sync.Mutex
	entities map[ops.EntityRef]Entity
	applied  map[string]Ack
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		entities: make(map[ops.EntityRef]Entity),
		applied:  make(map[string]Ack),
	}
}

// Apply applies m and returns the ack a client would receive.
func (s *Server) Apply(m Mutation) (Ack, error) {
	if err := validate(m); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ack, ok := s.applied[m.RecordID]; ok {
		ack.Duplicate = true
		return ack, nil
	}

	ref := ops.EntityRef{Collection: m.Collection, Key: m.Key}
	current, exists := s.entities[ref]
	ack := Ack{Applied: !exists || !m.CreatedAt.Before(current.Version)}
	if ack.Applied {
		s.entities[ref] = Entity{
			Collection: m.Collection,
			Key:        m.Key,
			Payload:    m.Payload,
			Deleted:    m.Action == ops.ActionDelete,
			Version:    m.CreatedAt,
			RecordID:   m.RecordID,
		}
	}
	s.applied[m.RecordID] = ack
	return ack, nil
}

// Entity returns the stored entity, tombstones included.
func (s *Server) Entity(collection, key string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ops.EntityRef{Collection: collection, Key: key}]
	return e, ok
}

// AppliedCount returns the number of distinct record IDs seen.
func (s *Server) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func validate(m Mutation) error {
	if m.RecordID == "" {
		return ops.NewPermanent("record_id is required", nil)
	}
	mut := ops.Mutation{Collection: m.Collection, Key: m.Key, Action: m.Action, Payload: m.Payload}
	if err := mut.Validate(); err != nil {
		return ops.NewPermanent(err.Error(), nil)
	}
	if m.Action != ops.ActionDelete && len(m.Payload) == 0 {
		return ops.NewPermanent("payload is required for "+string(m.Action), nil)
	}
	return nil
}

// NewRouter exposes srv over HTTP.
func NewRouter(srv *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", IdempotencyHeader},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/apply", applyHandler(srv))
		v1.GET("/entities/:collection/:key", entityHandler(srv))
	}
	return r
}

func applyHandler(srv *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var m Mutation
		if err := c.ShouldBindJSON(&m); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		if key := c.GetHeader(IdempotencyHeader); key != "" && key != m.RecordID {
			c.JSON(http.StatusBadRequest, errorBody{Error: "idempotency key does not match record_id"})
			return
		}
		ack, err := srv.Apply(m)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ack)
	}
}

func entityHandler(srv *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := srv.Entity(c.Param("collection"), c.Param("key"))
		if !ok {
			c.JSON(http.StatusNotFound, errorBody{Error: "not found"})
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("remote request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
