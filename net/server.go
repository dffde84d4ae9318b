// Package net is the node's HTTP surface: the ledger operations for callers
// and the signed replica endpoints other nodes store replicas through.
package net

import (
	"bytes"
	"encoding/base64"
	"net/http"

	"github.com/cloudflare/cfssl/log"
	mapset "github.com/deckarep/golang-set"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/voteledger/coordinator"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/registry"
	"github.com/voteledger/store"
	"github.com/voteledger/tally"
	"github.com/voteledger/util"
	"github.com/voteledger/verify"
)

const identityKey = "identity"

type Server struct {
	coord     *coordinator.Coordinator
	verifier  *verify.Verifier
	extractor *tally.Extractor
	ids       registry.Identifier
	metrics   *metrics.Ledger

	// replicas hosted for peer nodes, apart from the ledger's own
	replicas    store.ReplicaStore
	trustedKeys mapset.Set
	canonicalID string
}

type Options struct {
	Coordinator *coordinator.Coordinator
	Verifier    *verify.Verifier
	Extractor   *tally.Extractor
	Identity    registry.Identifier
	Metrics     *metrics.Ledger
	// Replicas is where peers' replicas are kept. It must not be the store
	// the coordinator writes the ledger to.
	Replicas store.ReplicaStore
	// TrustedKeys are the PEM public keys of the peers allowed to use the
	// replica endpoints. Without any, the endpoints are not mounted.
	TrustedKeys [][]byte
	// CanonicalID is never written through the replica endpoints.
	CanonicalID string
}

func NewServer(opts Options) *Server {
	keys := mapset.NewSet()
	for _, k := range opts.TrustedKeys {
		keys.Add(string(bytes.TrimSpace(k)))
	}
	return &Server{
		coord:       opts.Coordinator,
		verifier:    opts.Verifier,
		extractor:   opts.Extractor,
		ids:         opts.Identity,
		metrics:     opts.Metrics,
		replicas:    opts.Replicas,
		trustedKeys: keys,
		canonicalID: opts.CanonicalID,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// participant ids may contain '/'
	r.UseRawPath = true

	user := r.Group("/", s.identify)
	//注册
	user.POST("/participants", s.register)
	//投票
	user.POST("/votes", s.castVote)
	user.GET("/replicas/:id/stats", s.replicaStats)
	user.GET("/elections/:id/chain", s.consensusChain)
	user.GET("/elections/:id/tally", s.tally)
	user.GET("/integrity", s.adminOnly, s.integrity)
	user.GET("/metrics", s.adminOnly, s.writeMetrics)

	//其他节点存放副本
	if s.replicas == nil || s.trustedKeys.Cardinality() == 0 {
		log.Info("no trusted peer keys, not hosting replicas")
		return r
	}
	peer := r.Group("/peer/replicas", s.peerAuth)
	peer.GET("", s.peerParticipants)
	peer.PUT("/:id", s.peerCreate)
	peer.GET("/:id", s.peerLoad)
	peer.POST("/:id/blocks", s.peerAppend)
	return r
}

func (s *Server) HttpListen(addr string) error {
	log.Infof("listening on %s", addr)
	return s.Router().Run(addr)
}

func statusOf(kind meta.ErrorKind) int {
	switch kind {
	case meta.ValidationError:
		return http.StatusBadRequest
	case meta.NotFound:
		return http.StatusNotFound
	case meta.StateError:
		return http.StatusConflict
	case meta.StorageError, meta.Unreadable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(ctx *gin.Context, err error) {
	kind := meta.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", ctx.Request.Method, ctx.Request.URL.Path, err)
	}
	ctx.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func (s *Server) identify(ctx *gin.Context) {
	id, err := s.ids.Identify(ctx.Request)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}
	ctx.Set(identityKey, id)
	ctx.Next()
}

func caller(ctx *gin.Context) meta.Identity {
	return ctx.MustGet(identityKey).(meta.Identity)
}

func (s *Server) adminOnly(ctx *gin.Context) {
	if !caller(ctx).IsAdmin {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "admin only"})
		return
	}
	ctx.Next()
}

func (s *Server) register(ctx *gin.Context) {
	id := caller(ctx)
	if err := s.coord.Register(ctx.Request.Context(), id.ParticipantID); err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"participantId": id.ParticipantID})
}

type voteRequest struct {
	ElectionID  string `json:"electionId"`
	CandidateID string `json:"candidateId"`
}

func (s *Server) castVote(ctx *gin.Context) {
	var req voteRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		abort(ctx, meta.WrapKind(err, meta.ValidationError, "decode vote"))
		return
	}
	res, err := s.coord.CastVote(ctx.Request.Context(), req.ElectionID, req.CandidateID, caller(ctx).ParticipantID)
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (s *Server) replicaStats(ctx *gin.Context) {
	id := caller(ctx)
	target := ctx.Param("id")
	if target != id.ParticipantID && !id.IsAdmin {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "stats of another participant"})
		return
	}
	stats, err := s.coord.ReplicaStats(ctx.Request.Context(), target)
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

func (s *Server) integrity(ctx *gin.Context) {
	if ctx.Query("cached") == "true" {
		report := s.verifier.Latest()
		if report == nil {
			abort(ctx, meta.Errorf(meta.NotFound, "no verification has run yet"))
			return
		}
		ctx.JSON(http.StatusOK, report)
		return
	}
	report, err := s.verifier.VerifyIntegrity(ctx.Request.Context())
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (s *Server) consensusChain(ctx *gin.Context) {
	electionID := ctx.Param("id")
	blocks, err := s.verifier.GetConsensusChain(ctx.Request.Context(), electionID)
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"electionId": electionID, "blocks": blocks})
}

func (s *Server) tally(ctx *gin.Context) {
	res, err := s.extractor.Tally(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (s *Server) writeMetrics(ctx *gin.Context) {
	ctx.Header("Content-Type", "application/json")
	ctx.Status(http.StatusOK)
	s.metrics.WriteJSON(ctx.Writer)
}

func peerAbort(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: codeNotFound})
	case errors.Is(err, store.ErrExists):
		ctx.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: err.Error(), Code: codeExists})
	case errors.Is(err, store.ErrIndexMismatch):
		ctx.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: err.Error(), Code: codeIndexMismatch})
	default:
		log.Errorf("%s %s: %v", ctx.Request.Method, ctx.Request.URL.Path, err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// verified checks that sign is pubKey's signature over v and that pubKey is trusted.
func (s *Server) verified(v interface{}, sign, pubKey []byte) bool {
	data, err := util.FastestJson.Marshal(v)
	if err != nil {
		return false
	}
	//先验签
	if !util.VerifySign(data, sign, pubKey) {
		log.Info("验签失败")
		return false
	}
	if !s.trusted(pubKey) {
		log.Warning("replica write signed by an untrusted key")
		return false
	}
	return true
}

// trusted is false for every key when no peer keys are configured.
func (s *Server) trusted(pubKey []byte) bool {
	return s.trustedKeys.Contains(string(bytes.TrimSpace(pubKey)))
}

// peerAuth admits requests whose headers carry a trusted key and its
// signature over the method and path.
func (s *Server) peerAuth(ctx *gin.Context) {
	pubKey, err1 := base64.StdEncoding.DecodeString(ctx.GetHeader(peerKeyHeader))
	sign, err2 := base64.StdEncoding.DecodeString(ctx.GetHeader(peerSignHeader))
	if err1 != nil || err2 != nil || len(pubKey) == 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing peer signature"})
		return
	}
	if !util.VerifySign(requestDigest(ctx.Request), sign, pubKey) || !s.trusted(pubKey) {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "untrusted peer"})
		return
	}
	ctx.Next()
}

func (s *Server) writable(ctx *gin.Context) bool {
	if ctx.Param("id") == s.canonicalID {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "the canonical replica is not writable by peers"})
		return false
	}
	return true
}

func (s *Server) peerParticipants(ctx *gin.Context) {
	ids, err := s.replicas.Participants(ctx.Request.Context())
	if err != nil {
		peerAbort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, participantsBody{Participants: ids})
}

func (s *Server) peerCreate(ctx *gin.Context) {
	if !s.writable(ctx) {
		return
	}
	var msg meta.ReplicaMsg
	if err := ctx.ShouldBindJSON(&msg); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(msg.Blocks) == 0 {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "replica without blocks"})
		return
	}
	if !s.verified(msg.Blocks, msg.Sign, msg.PubKey) {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "bad signature"})
		return
	}
	if err := s.replicas.Create(ctx.Request.Context(), ctx.Param("id"), msg.Blocks); err != nil {
		peerAbort(ctx, err)
		return
	}
	ctx.Status(http.StatusCreated)
}

func (s *Server) peerLoad(ctx *gin.Context) {
	blocks, err := s.replicas.Load(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		peerAbort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, blocks)
}

func (s *Server) peerAppend(ctx *gin.Context) {
	if !s.writable(ctx) {
		return
	}
	var msg meta.BlockMsg
	if err := ctx.ShouldBindJSON(&msg); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if !s.verified(msg.B, msg.Sign, msg.PubKey) {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "bad signature"})
		return
	}
	if err := s.replicas.Append(ctx.Request.Context(), ctx.Param("id"), msg.B); err != nil {
		peerAbort(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}
