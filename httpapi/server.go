// Package httpapi exposes the facilitator over HTTP: the public payment API
// (verify, settle, supported) on gin, and an internal ops server (metrics,
// health) on chi.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/encoding"
	"github.com/mark3labs/x402x/facilitator"
)

// API serves the public facilitator endpoints.
type API struct {
	svc facilitator.Service
	log log.Logger
}

// NewAPI creates the payment API over a facilitator service.
func NewAPI(svc facilitator.Service, l log.Logger) *API {
	if l == nil {
		l = log.New("component", "httpapi")
	}
	return &API{svc: svc, log: l}
}

// Router builds the gin engine with all payment routes mounted. Domain
// rejections (invalid payment, insufficient fee, revert) are 200 responses
// with isValid:false or success:false, following the x402 facilitator
// convention; only malformed requests get a 400 and only infrastructure
// failures a 500.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/verify", a.handleVerify)
	r.POST("/settle", a.handleSettle)
	r.GET("/supported", a.handleSupported)
	return r
}

func (a *API) handleVerify(c *gin.Context) {
	var req x402x.FacilitatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	resp, err := a.svc.Verify(c.Request.Context(), &req)
	if err != nil {
		a.log.Error("verify failed", "network", req.PaymentPayload.Network, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSettle(c *gin.Context) {
	var req x402x.FacilitatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	resp, err := a.svc.Settle(c.Request.Context(), &req)
	if err != nil {
		a.log.Error("settle failed", "network", req.PaymentPayload.Network, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement unavailable"})
		return
	}
	if encoded, err := encoding.EncodeSettlement(*resp); err == nil {
		c.Header(encoding.PaymentResponseHeader, encoded)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSupported(c *gin.Context) {
	version := 0
	if raw := c.Query("x402Version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "x402Version must be an integer"})
			return
		}
		version = v
	}

	resp, err := a.svc.Supported(c.Request.Context(), version)
	if err != nil {
		if x402x.CodeOf(err) == x402x.ErrCodeValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "supported kinds unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
