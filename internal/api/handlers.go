package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"batch-engine/internal/domain"
	"batch-engine/internal/hotswap"
	"batch-engine/internal/orchestrator"
)

func parseKind(raw string) (domain.BatchKind, error) {
	kind, ok := domain.ParseBatchKind(raw)
	if !ok {
		return "", fmt.Errorf("invalid kind %q", raw)
	}
	return kind, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseBatchID(raw string) (domain.BatchID, error) {
	var id domain.BatchID
	if err := id.UnmarshalText([]byte(raw)); err != nil {
		return domain.BatchID{}, fmt.Errorf("invalid batch id %q", raw)
	}
	return id, nil
}

func (s *Server) getConfig(c *gin.Context) {
	s.writeConfig(c, engineFrom(c))
}

func (s *Server) writeConfig(c *gin.Context, engine *orchestrator.Orchestrator) {
	cfg, paused, err := engine.Settings(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConfigDTO(cfg, paused))
}

func (s *Server) reconfigure(c *gin.Context) {
	var req ConfigDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	engine := engineFrom(c)
	if err := engine.Reconfigure(c.Request.Context(), callerFrom(c), req.toConfig()); err != nil {
		s.writeError(c, err)
		return
	}
	s.writeConfig(c, engine)
}

func (s *Server) pause(c *gin.Context) {
	if err := engineFrom(c).Pause(c.Request.Context(), callerFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) unpause(c *gin.Context) {
	if err := engineFrom(c).Unpause(c.Request.Context(), callerFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) getFee(c *gin.Context) {
	state, err := engineFrom(c).RedemptionFee(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) setFee(c *gin.Context) {
	var req FeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	state, err := engineFrom(c).Fee().SetRedemptionFee(c.Request.Context(), callerFrom(c), req.RateBps, req.Recipient)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) sweepFee(c *gin.Context) {
	swept, err := engineFrom(c).Fee().Sweep(c.Request.Context(), callerFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}

func (s *Server) getCurrentBatch(c *gin.Context) {
	kind, err := parseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err)
		return
	}
	engine := engineFrom(c)
	id, err := engine.CurrentBatchID(c.Request.Context(), kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	b, err := engine.GetBatch(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(b))
}

func (s *Server) getBatch(c *gin.Context) {
	id, err := parseBatchID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	b, err := engineFrom(c).GetBatch(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(b))
}

func (s *Server) getPosition(c *gin.Context) {
	id, err := parseBatchID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	account, err := parseAddress(c.Param("account"))
	if err != nil {
		badRequest(c, err)
		return
	}
	shares, err := engineFrom(c).GetPosition(c.Request.Context(), id, account)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PositionResponse{BatchID: id, Account: account, Shares: shares})
}

func (s *Server) getEligibility(c *gin.Context) {
	kind, err := parseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err)
		return
	}
	el, err := engineFrom(c).Eligibility(c.Request.Context(), kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EligibilityResponse{
		BatchID:        el.BatchID,
		Supplied:       el.Supplied,
		ElapsedSeconds: int64(el.Elapsed / time.Second),
		Eligible:       el.Eligible,
	})
}

func (s *Server) getAccountBatches(c *gin.Context) {
	account, err := parseAddress(c.Param("account"))
	if err != nil {
		badRequest(c, err)
		return
	}
	ids, err := engineFrom(c).GetAccountBatchIDs(c.Request.Context(), account)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "batch_ids": ids})
}

func (s *Server) getClaimable(c *gin.Context) {
	account, err := parseAddress(c.Param("account"))
	if err != nil {
		badRequest(c, err)
		return
	}
	kind, err := parseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err)
		return
	}
	candidates, err := engineFrom(c).ClaimableBatches(c.Request.Context(), account, kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if candidates == nil {
		candidates = []hotswap.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "kind": kind, "batches": candidates})
}

func (s *Server) deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		badRequest(c, err)
		return
	}

	engine := engineFrom(c)
	deposit := engine.DepositForRedeem
	if kind == domain.BatchKindMint {
		deposit = engine.DepositForMint
	}
	b, err := deposit(c.Request.Context(), callerFrom(c), req.Amount, addressOrZero(req.OnBehalfOf))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(b))
}

func (s *Server) withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	engine := engineFrom(c)
	caller := callerFrom(c)
	var (
		b   *domain.Batch
		err error
	)
	if req.Owner != nil && *req.Owner != caller {
		b, err = engine.WithdrawFromBatchFor(c.Request.Context(), caller, req.BatchID, req.Amount, addressOrZero(req.Recipient), *req.Owner)
	} else {
		b, err = engine.WithdrawFromBatch(c.Request.Context(), caller, req.BatchID, req.Amount, addressOrZero(req.Recipient))
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(b))
}

func (s *Server) process(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	engine := engineFrom(c)
	if req.BatchID != nil {
		result, err := engine.ProcessBatch(c.Request.Context(), callerFrom(c), *req.BatchID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		badRequest(c, err)
		return
	}
	result, err := engine.Process(c.Request.Context(), callerFrom(c), kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	engine := engineFrom(c)
	claim := engine.Claim
	if req.Stake {
		claim = engine.ClaimAndStake
	}
	result, err := claim(c.Request.Context(), callerFrom(c), req.BatchID, addressOrZero(req.Recipient))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) hotSwap(c *gin.Context) {
	var req HotSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := engineFrom(c).MoveUnclaimedIntoCurrentBatch(c.Request.Context(), callerFrom(c), req.BatchIDs, req.Shares, req.IntoMint)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// hotSwapPlan prepares a hot-swap of the caller's claimable batches of the
// kind feeding the destination queue.
func (s *Server) hotSwapPlan(c *gin.Context) {
	var req HotSwapPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	source := domain.BatchKindMint
	if req.IntoMint {
		source = domain.BatchKindRedeem
	}
	candidates, err := engineFrom(c).ClaimableBatches(c.Request.Context(), callerFrom(c), source)
	if err != nil {
		s.writeError(c, err)
		return
	}
	plan := hotswap.Prepare(req.Target, candidates)
	if plan.BatchIDs == nil {
		plan.BatchIDs = []domain.BatchID{}
	}
	c.JSON(http.StatusOK, plan)
}
