package server

import (
	"crypto/tls"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamitm/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
)

// RequestIDHeader is the header name for the request ID.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "requestID"

// ConnectionInfo describes the TLS session a request arrived on.
type ConnectionInfo struct {
	ConnectionID       string                    `json:"connectionId,omitempty"`
	RequestID          string                    `json:"requestId"`
	ServerName         string                    `json:"serverName,omitempty"`
	Version            string                    `json:"version"`
	CipherSuite        string                    `json:"cipherSuite"`
	NegotiatedProtocol string                    `json:"negotiatedProtocol,omitempty"`
	HTTPProtocol       string                    `json:"httpProtocol"`
	Certificate        *tlspkg.CertificateInfo   `json:"certificate,omitempty"`
	PeerCertificates   []*tlspkg.CertificateInfo `json:"peerCertificates,omitempty"`
}

// NewInspectionHandler returns an HTTP handler that answers every GET with
// the ConnectionInfo of the request's connection.
func NewInspectionHandler(logger observability.Logger, metrics ConnectionMetrics) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogging(logger, metrics))
	engine.NoRoute(inspect)
	engine.GET("/", inspect)
	return engine
}

func inspect(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	state := c.Request.TLS
	if state == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request did not arrive over TLS"})
		return
	}

	c.JSON(http.StatusOK, connectionInfo(c, state))
}

func connectionInfo(c *gin.Context, state *tls.ConnectionState) *ConnectionInfo {
	info := &ConnectionInfo{
		ConnectionID:       observability.ConnectionIDFromContext(c.Request.Context()),
		RequestID:          c.GetString(requestIDKey),
		ServerName:         state.ServerName,
		Version:            tls.VersionName(state.Version),
		CipherSuite:        tls.CipherSuiteName(state.CipherSuite),
		NegotiatedProtocol: state.NegotiatedProtocol,
		HTTPProtocol:       c.Request.Proto,
	}

	if tracked := ConnectionFromContext(c.Request.Context()); tracked != nil {
		info.Certificate = tlspkg.ExtractCertificateInfo(tracked.Leaf())
	}
	for _, cert := range state.PeerCertificates {
		info.PeerCertificates = append(info.PeerCertificates, tlspkg.ExtractCertificateInfo(cert))
	}

	return info
}

// requestLogging assigns a request ID, records request metrics and logs
// the request with a level chosen by status.
func requestLogging(logger observability.Logger, metrics ConnectionMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		metrics.RecordRequest(c.Request.Method, strconv.Itoa(status))

		fields := []observability.Field{
			observability.String("requestID", requestID),
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("clientIP", c.ClientIP()),
		}

		log := logger.WithContext(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request completed", fields...)
		default:
			log.Debug("request completed", fields...)
		}
	}
}
