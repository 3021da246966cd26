package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/m1n1ctl/internal/auth"
	"github.com/danmuck/m1n1ctl/internal/invoke"
	"github.com/danmuck/m1n1ctl/internal/proxy"
	"github.com/danmuck/m1n1ctl/internal/session"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"github.com/danmuck/m1n1ctl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrWritesDisabled = errors.New("server: write routes disabled")

func (s *Status) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
			"session": s.sess.State().String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/target", s.ready, s.target)
	r.GET("/bootargs", s.ready, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.sess.BootArgs())
	})
	r.GET("/mem/:addr", s.ready, s.readMem)
	r.GET("/sysreg/:name", s.ready, s.readSysreg)

	r.POST("/resync", s.writable, func(c *gin.Context) {
		if err := s.sess.Resync(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": s.sess.State().String()})
	})
	r.POST("/reboot", s.writable, s.ready, func(c *gin.Context) {
		if err := s.sess.Reboot(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": s.sess.State().String()})
	})
}

// ready rejects requests while the session is not usable.
func (s *Status) ready(c *gin.Context) {
	if st := s.sess.State(); st != session.StateReady {
		body := gin.H{"error": "session not ready", "session": st.String()}
		if err := s.sess.Err(); err != nil {
			body["cause"] = err.Error()
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	}
}

func (s *Status) writable(c *gin.Context) {
	if !s.cfg.AllowWrites {
		_ = c.Error(ErrWritesDisabled)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrWritesDisabled.Error()})
		return
	}
	if s.cfg.WriteToken == "" {
		return
	}
	if err := auth.CheckHeader(auth.Token(s.cfg.WriteToken), c.GetHeader("Authorization")); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	}
}

func (s *Status) target(c *gin.Context) {
	ctx := c.Request.Context()
	iodev, err := s.sess.Client().IodevWhoami(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{
		"device":    s.sess.Config().Device,
		"baud":      s.sess.Port().Baud(),
		"iodev":     iodev.String(),
		"base":      hex64(s.sess.Base()),
		"boot_args": hex64(s.sess.BootArgsAddr()),
		"code":      hex64(s.sess.CodeBuffer()),
	}
	if h := s.sess.Heap(); h != nil {
		st := h.Stats()
		body["heap"] = gin.H{
			"base":         hex64(h.Base()),
			"end":          hex64(h.End()),
			"in_use":       st.InUse,
			"free":         st.Free,
			"largest_free": st.LargestFree,
			"allocations":  st.Allocations,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Status) readMem(c *gin.Context) {
	addr, err := strconv.ParseUint(c.Param("addr"), 0, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad address %q", c.Param("addr"))})
		return
	}
	n, err := strconv.Atoi(c.DefaultQuery("len", "64"))
	if err != nil || n <= 0 || (s.cfg.MaxRead > 0 && n > s.cfg.MaxRead) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "len out of range", "max": s.cfg.MaxRead})
		return
	}
	data, err := s.sess.Client().ReadMemory(c.Request.Context(), addr, n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addr": hex64(addr), "len": len(data), "data": hex.EncodeToString(data)})
}

func (s *Status) readSysreg(c *gin.Context) {
	enc, err := sysreg.Parse(c.Param("name"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inv := s.sess.Invoker()
	if inv == nil {
		s.fail(c, fmt.Errorf("%w: no code buffer", session.ErrNotReady))
		return
	}
	v, err := inv.MRS(c.Request.Context(), enc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": sysreg.Name(enc), "value": hex64(v)})
}

func (s *Status) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps session and proxy failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, invoke.ErrFault):
		return http.StatusUnprocessableEntity
	case errors.Is(err, proxy.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func hex64(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
