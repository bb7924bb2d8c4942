/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package drpc

import (
	"bufio"
	"net"
	"os"
	"time"

	"github.com/vosdb/vosengine/vos/errs"
)

// Client is one connection to a local engine socket. Calls are
// synchronous: the caller suspends until the response frame arrives or the
// fabric timeout (CRT_TIMEOUT) expires.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
}

// Dial connects to the engine socket at path. timeout bounds each Call;
// zero disables the deadline.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errs.New("drpc.Dial", errs.IO, err)
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: timeout,
	}, nil
}

// Close shuts the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request frame and waits for its response. A nonzero
// response status surfaces as the matching errs kind; a deadline overrun
// surfaces as timedout.
func (c *Client) Call(module, method int32, body []byte) ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, errs.New("drpc.Call", errs.IO, err)
		}
	}
	if err := writeRequest(c.w, Request{Module: module, Method: method, Body: body}); err != nil {
		return nil, callErr(err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, callErr(err)
	}
	status, resp, err := readResponse(c.r)
	if err != nil {
		return nil, callErr(err)
	}
	if err := statusErr("drpc.Call", status); err != nil {
		return nil, err
	}
	return resp, nil
}

func callErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errs.New("drpc.Call", errs.TimedOut, err)
	}
	if os.IsTimeout(err) {
		return errs.New("drpc.Call", errs.TimedOut, err)
	}
	return errs.New("drpc.Call", errs.IO, err)
}

// GetAttachInfo fetches the fabric environment the engine resolved.
func (c *Client) GetAttachInfo() (GetAttachInfoResp, error) {
	body, err := c.Call(ModuleEngine, MethodGetAttachInfo, nil)
	if err != nil {
		return GetAttachInfoResp{}, err
	}
	var resp GetAttachInfoResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return GetAttachInfoResp{}, errs.New("drpc.GetAttachInfo", errs.IO, err)
	}
	return resp, nil
}

// PoolConnect opens a handle on the named pool.
func (c *Client) PoolConnect(poolUUID string, flags uint32) (uint64, error) {
	body, err := json.Marshal(PoolConnectReq{UUID: poolUUID, Flags: flags})
	if err != nil {
		return 0, errs.New("drpc.PoolConnect", errs.InvalidArgument, err)
	}
	resp, err := c.Call(ModuleEngine, MethodPoolConnect, body)
	if err != nil {
		return 0, err
	}
	var pc PoolConnectResp
	if err := json.Unmarshal(resp, &pc); err != nil {
		return 0, errs.New("drpc.PoolConnect", errs.IO, err)
	}
	return pc.Handle, nil
}

// PoolDisconnect releases a pool handle.
func (c *Client) PoolDisconnect(handle uint64) error {
	body, err := json.Marshal(PoolDisconnectReq{Handle: handle})
	if err != nil {
		return errs.New("drpc.PoolDisconnect", errs.InvalidArgument, err)
	}
	_, err = c.Call(ModuleEngine, MethodPoolDisconnect, body)
	return err
}

// PoolMonitor reports whether any live handle references the named pool.
func (c *Client) PoolMonitor(poolUUID string) (bool, error) {
	body, err := json.Marshal(PoolMonitorReq{UUID: poolUUID})
	if err != nil {
		return false, errs.New("drpc.PoolMonitor", errs.InvalidArgument, err)
	}
	resp, err := c.Call(ModuleEngine, MethodPoolMonitor, body)
	if err != nil {
		return false, err
	}
	var pm PoolMonitorResp
	if err := json.Unmarshal(resp, &pm); err != nil {
		return false, errs.New("drpc.PoolMonitor", errs.IO, err)
	}
	return pm.Connected, nil
}

// NotifyExit tells the engine this client is going away.
func (c *Client) NotifyExit() error {
	_, err := c.Call(ModuleEngine, MethodNotifyExit, nil)
	return err
}

// SetupClientTelemetry hands the engine a client telemetry shm key.
func (c *Client) SetupClientTelemetry(shmKey int) error {
	body, err := json.Marshal(SetupClientTelemetryReq{ShmKey: shmKey})
	if err != nil {
		return errs.New("drpc.SetupClientTelemetry", errs.InvalidArgument, err)
	}
	_, err = c.Call(ModuleEngine, MethodSetupClientTelemetry, body)
	return err
}
