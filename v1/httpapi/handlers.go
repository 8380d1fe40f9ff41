package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/bidding"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
)

const ctxUserID = "hammer.user"

func requireUser(c *gin.Context) {
	user := c.GetHeader(HeaderUserID)
	if user == "" {
		abortWithError(c, http.StatusUnauthorized, codeUnauthenticated, "missing "+HeaderUserID)
		return
	}
	c.Set(ctxUserID, user)
	c.Next()
}

func requireSeller(c *gin.Context) {
	if c.GetHeader(HeaderUserRole) != RoleSeller {
		abortWithError(c, http.StatusForbidden, "FORBIDDEN", "seller role required")
		return
	}
	c.Next()
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type placeBidResponse struct {
	Bid     auction.Bid     `json:"bid"`
	Auction auction.Auction `json:"auction"`
}

func (s *Server) createAuction(c *gin.Context) {
	var req bidding.NewAuction
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	a, err := s.engine.CreateAuction(c.Request.Context(), c.GetString(ctxUserID), req)
	if err != nil {
		jsonError(c, err)
		return
	}
	jsonResponse(c, http.StatusCreated, a)
}

func (s *Server) listAuctions(c *gin.Context) {
	status := auction.Status(strings.ToUpper(c.Query("status")))
	list, err := s.engine.Auctions(c.Request.Context(), status)
	if err != nil {
		jsonError(c, err)
		return
	}
	if list == nil {
		list = []auction.Auction{}
	}
	jsonResponse(c, http.StatusOK, list)
}

func (s *Server) getAuction(c *gin.Context) {
	id := c.Param("id")
	var (
		a   auction.Auction
		err error
	)
	if s.reader != nil {
		a, err = s.reader.Get(c.Request.Context(), id)
	} else {
		a, err = s.engine.Auction(c.Request.Context(), id)
	}
	if err != nil {
		jsonError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, a)
}

func (s *Server) updateAuction(c *gin.Context) {
	var patch bidding.AuctionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	id := c.Param("id")
	a, err := s.engine.UpdateAuction(c.Request.Context(), c.GetString(ctxUserID), id, patch)
	if err != nil {
		jsonError(c, err)
		return
	}
	s.invalidate(id)
	jsonResponse(c, http.StatusOK, a)
}

func (s *Server) deleteAuction(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.DeleteAuction(c.Request.Context(), c.GetString(ctxUserID), id); err != nil {
		jsonError(c, err)
		return
	}
	s.invalidate(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) listBids(c *gin.Context) {
	bids, err := s.engine.Bids(c.Request.Context(), c.Param("id"))
	if err != nil {
		jsonError(c, err)
		return
	}
	if bids == nil {
		bids = []auction.Bid{}
	}
	jsonResponse(c, http.StatusOK, bids)
}

func (s *Server) placeBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be positive")
		return
	}
	id := c.Param("id")
	res, err := s.engine.PlaceBid(c.Request.Context(), bidding.BidRequest{
		AuctionID: id,
		BidderID:  c.GetString(ctxUserID),
		Amount:    req.Amount,
	})
	if err != nil {
		jsonError(c, err)
		return
	}
	s.invalidate(id)
	jsonResponse(c, http.StatusCreated, placeBidResponse{Bid: res.Bid, Auction: res.Auction})
}

func (s *Server) streamEvents(c *gin.Context) {
	id, ok := s.streamable(c)
	if !ok {
		return
	}
	broadcast.SSEHandler(s.events, func(*http.Request) string { return id }).ServeHTTP(c.Writer, c.Request)
}

func (s *Server) streamWebSocket(c *gin.Context) {
	id, ok := s.streamable(c)
	if !ok {
		return
	}
	broadcast.WebSocketHandler(s.events, func(*http.Request) string { return id }).ServeHTTP(c.Writer, c.Request)
}

// streamable checks that the auction exists before a stream is opened.
func (s *Server) streamable(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := s.engine.Auction(c.Request.Context(), id); err != nil {
		jsonError(c, err)
		return "", false
	}
	return id, true
}

func (s *Server) invalidate(id string) {
	if s.reader != nil {
		s.reader.Invalidate(id)
	}
}
