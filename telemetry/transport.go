package telemetry

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptrace"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/semconv"
	"go.opentelemetry.io/otel/trace"
)

// WrapTransport instruments an outbound transport. Each request gets a
// client span carrying the standard HTTP attributes, with child spans for
// the connection phases (DNS, dial, TLS handshake, time to first byte),
// which is where latency against slow media hosts actually accumulates.
func WrapTransport(transport http.RoundTripper) http.RoundTripper {
	return &tracingTransport{transport: transport}
}

type tracingTransport struct {
	transport http.RoundTripper
}

func (t *tracingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, span := tracer.Start(r.Context(), "fetch.http", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(semconv.HTTPClientAttributesFromHTTPRequest(r)...)
	span.SetAttributes(semconv.NetAttributesFromHTTPRequest("tcp", r)...)

	ctx = httptrace.WithClientTrace(ctx, newClientTrace(ctx))
	resp, err := t.transport.RoundTrip(r.WithContext(ctx))

	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(resp.StatusCode)...)
	}
	return resp, err
}

func newClientTrace(ctx context.Context) *httptrace.ClientTrace {
	ct := &connTracer{ctx: ctx}
	return &httptrace.ClientTrace{
		DNSStart:             ct.dnsStart,
		DNSDone:              ct.dnsDone,
		GetConn:              ct.getConn,
		GotConn:              ct.gotConn,
		GotFirstResponseByte: ct.gotFirstResponseByte,
		TLSHandshakeStart:    ct.tlsHandshakeStart,
		TLSHandshakeDone:     ct.tlsHandshakeDone,
		WroteRequest:         ct.wroteRequest,
	}
}

// connTracer holds the in-flight child spans between paired httptrace
// callbacks. Callbacks fire on the transport's goroutines, but each request
// gets its own connTracer so there is no sharing to guard against.
type connTracer struct {
	ctx       context.Context
	dial      trace.Span
	dns       trace.Span
	tls       trace.Span
	firstByte trace.Span
}

// getConn fires before a connection is dialed or checked out of the idle
// pool, so the span covers pool waits as well as fresh dials.
func (t *connTracer) getConn(hostPort string) {
	_, t.dial = tracer.Start(t.ctx, "net.connect")
	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		t.dial.SetAttributes(
			attribute.String(string(semconv.NetHostNameKey), host),
			attribute.String(string(semconv.NetHostPortKey), port),
		)
	}
}

func (t *connTracer) gotConn(info httptrace.GotConnInfo) {
	if t.dial == nil {
		return
	}
	t.dial.SetAttributes(
		attribute.Bool("net.conn.reused", info.Reused),
		attribute.Bool("net.conn.was_idle", info.WasIdle),
	)
	t.dial.End()
}

func (t *connTracer) dnsStart(info httptrace.DNSStartInfo) {
	_, t.dns = tracer.Start(t.ctx, "net.dns_lookup")
	t.dns.SetAttributes(attribute.String(string(semconv.NetHostNameKey), info.Host))
}

func (t *connTracer) dnsDone(info httptrace.DNSDoneInfo) {
	if t.dns == nil {
		return
	}
	if info.Err != nil {
		t.dns.RecordError(info.Err)
	}
	t.dns.End()
}

func (t *connTracer) tlsHandshakeStart() {
	_, t.tls = tracer.Start(t.ctx, "net.tls_handshake")
}

func (t *connTracer) tlsHandshakeDone(state tls.ConnectionState, err error) {
	if t.tls == nil {
		return
	}
	if err != nil {
		t.tls.RecordError(err)
	} else {
		t.tls.SetAttributes(attribute.Bool("net.conn.tls_did_resume", state.DidResume))
	}
	t.tls.End()
}

// wroteRequest may fire more than once for retried requests; only the
// first write starts the time-to-first-byte clock.
func (t *connTracer) wroteRequest(info httptrace.WroteRequestInfo) {
	if t.firstByte != nil {
		return
	}
	_, t.firstByte = tracer.Start(t.ctx, "net.time_to_first_byte")
	if info.Err != nil {
		t.firstByte.RecordError(info.Err)
	}
}

func (t *connTracer) gotFirstResponseByte() {
	if t.firstByte == nil {
		return
	}
	t.firstByte.End()
}
