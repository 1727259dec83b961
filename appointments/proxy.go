package appointments

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telehealth-backend/auth"
	"telehealth-backend/logging"
	"telehealth-backend/quota"
	"telehealth-backend/usage"
)

// Handler forwards bookings to the scheduling service once the quota gate allows them.
type Handler struct {
	proxy   *httputil.ReverseProxy
	tracker quota.Tracker
	log     *logrus.Entry
}

// NewHandler proxies to target. An empty target leaves booking unavailable (503).
func NewHandler(target string, tracker quota.Tracker, timeout time.Duration) (*Handler, error) {
	h := &Handler{tracker: tracker, log: logging.For("appointments")}
	if strings.TrimSpace(target) == "" {
		h.log.Warn("[appointments] APPOINTMENTS_URL not set; booking disabled")
		return h, nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid APPOINTMENTS_URL %q", target)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment, ResponseHeaderTimeout: timeout}
	base := proxy.Director
	proxy.Director = func(r *http.Request) {
		base(r)
		r.Host = u.Host
		r.Header.Del("Authorization")
		if p, ok := principalFrom(r.Context()); ok {
			r.Header.Set("X-User-Id", strconv.FormatInt(p.UserID, 10))
			r.Header.Set("X-User-Email", p.Email)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("[appointments][proxy] upstream error")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"appointment service unavailable"}`))
	}
	h.proxy = proxy
	return h, nil
}

type principalKey struct{}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// RegisterRoutes mounts POST /appointments; r must already authenticate.
func (h *Handler) RegisterRoutes(r gin.IRouter, gate *quota.Gate) {
	r.POST("/appointments", gate.Middleware(quota.ActionAppointment), quota.Track(h.tracker, usage.AppointmentBooked), h.book)
}

func (h *Handler) book(c *gin.Context) {
	if h.proxy == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "appointment booking is not available"})
		return
	}
	p, _ := auth.Current(c)
	req := c.Request.WithContext(context.WithValue(c.Request.Context(), principalKey{}, p))
	h.proxy.ServeHTTP(c.Writer, req)
	h.log.WithFields(logrus.Fields{"user_id": p.UserID, "status": c.Writer.Status()}).Info("[appointments][book]")
}
