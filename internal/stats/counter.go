// Package stats holds the proxy's request/response counters and per-group
// job-duration histograms.
package stats

import "sync/atomic"

// Counter tracks the proxy-wide request/response tallies named in the base
// spec's StatCounter entity.
type Counter struct {
	clients   atomic.Int64
	clientReq atomic.Int64
	clientRsp atomic.Int64
	workerReq atomic.Int64
	workerRsp atomic.Int64
}

func (c *Counter) ClientConnected()    { c.clients.Add(1) }
func (c *Counter) ClientDisconnected() { c.clients.Add(-1) }
func (c *Counter) ClientRequest()      { c.clientReq.Add(1) }
func (c *Counter) ClientResponse()     { c.clientRsp.Add(1) }
func (c *Counter) WorkerRequest()      { c.workerReq.Add(1) }
func (c *Counter) WorkerResponse()     { c.workerRsp.Add(1) }

func (c *Counter) Clients() int64   { return c.clients.Load() }
func (c *Counter) ClientReq() int64 { return c.clientReq.Load() }
func (c *Counter) ClientRsp() int64 { return c.clientRsp.Load() }
func (c *Counter) WorkerReq() int64 { return c.workerReq.Load() }
func (c *Counter) WorkerRsp() int64 { return c.workerRsp.Load() }
