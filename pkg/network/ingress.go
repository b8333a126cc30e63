package network

import (
	"context"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
)

// ingressTimeout bounds one relayed request end to end.
const ingressTimeout = 30 * time.Second

// stickyHeader and stickyQuery let callers pin consecutive requests to one
// backend pod.
const (
	stickyHeader = "X-Stark-Route"
	stickyQuery  = "stark-route"
)

// Requester sends a correlated frame to a node and waits for its response.
type Requester interface {
	Request(ctx context.Context, nodeID string, msg *stark.Message) (*stark.Message, error)
}

// IngressProxy relays external HTTP traffic for one exposed service over
// the agent channel to a backend pod's sandbox.
type IngressProxy struct {
	fabric    *Fabric
	requester Requester
	serviceID string
	service   string
}

func NewIngressProxy(fabric *Fabric, requester Requester, serviceID, serviceName string) *IngressProxy {
	return &IngressProxy{fabric: fabric, requester: requester, serviceID: serviceID, service: serviceName}
}

func (p *IngressProxy) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	start := time.Now()
	status := p.serve(resp, req)
	metrics.IngressDuration.WithLabelValues(strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

func (p *IngressProxy) serve(resp http.ResponseWriter, req *http.Request) int {
	endpoints := p.fabric.Endpoints(p.serviceID)
	if len(endpoints) == 0 {
		http.Error(resp, "no healthy backends", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	target := endpoints[p.selectIndex(req, len(endpoints))]

	body, err := io.ReadAll(io.LimitReader(req.Body, 10<<20))
	if err != nil {
		http.Error(resp, "failed to read request body", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	msg, err := stark.NewMessage(stark.MsgIngressRequest, "", &stark.IngressRequest{
		PodID:   target.PodID,
		Method:  req.Method,
		URL:     req.URL.RequestURI(),
		Headers: req.Header,
		Body:    body,
	})
	if err != nil {
		http.Error(resp, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	ctx, cancel := context.WithTimeout(req.Context(), ingressTimeout)
	defer cancel()
	reply, err := p.requester.Request(ctx, target.NodeID, msg)
	if err != nil {
		logrus.Warnf("Ingress relay for service %s pod %s failed: %v", p.service, target.PodID, err)
		http.Error(resp, "backend unavailable", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	ingress := &stark.IngressResponse{}
	if err := reply.Decode(ingress); err != nil {
		http.Error(resp, "malformed backend response", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	for key, values := range ingress.Headers {
		for _, v := range values {
			resp.Header().Add(key, v)
		}
	}
	if ingress.Status == 0 {
		ingress.Status = http.StatusOK
	}
	resp.WriteHeader(ingress.Status)
	if len(ingress.Body) > 0 {
		resp.Write(ingress.Body)
	}
	return ingress.Status
}

// selectIndex picks the backend: a sticky key from the header or query
// parameter hashes consistently onto one pod, everything else round-robins
// off the fabric's monotonic counter.
func (p *IngressProxy) selectIndex(req *http.Request, n int) int {
	key := req.Header.Get(stickyHeader)
	if key == "" {
		key = req.URL.Query().Get(stickyQuery)
	}
	if key == "" {
		return int(p.fabric.NextCounter() % uint64(n))
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
