// Package drpc implements the engine's local process boundary (§6): a
// length-prefixed request/response protocol over a unix domain socket,
// carrying {module_id, method_id, body} messages between the engine and
// its local clients. The transport stops at this socket — fabric-level
// RPC is an external collaborator.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package drpc

import (
	"encoding/binary"
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/vosdb/vosengine/vos/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModuleEngine is the module id all core-engine methods live under.
const ModuleEngine int32 = 2

// Method ids (§6): only identity and field semantics are part of the
// contract; the framing below stands in for the external protocol
// compiler's.
const (
	MethodGetAttachInfo int32 = iota + 1
	MethodPoolConnect
	MethodPoolDisconnect
	MethodPoolMonitor
	MethodNotifyExit
	MethodSetupClientTelemetry
)

// MaxBodySize bounds a single message body; anything larger is rejected
// before allocation.
const MaxBodySize = 1 << 20

const reqHeaderSize = 4 + 4 + 4 // length, module, method
const respHeaderSize = 4 + 4    // length, status

// Request is one decoded frame.
type Request struct {
	Module int32
	Method int32
	Body   []byte
}

// Message bodies. Field semantics follow §6; GetAttachInfo hands the
// client the fabric environment the engine resolved at startup.

type GetAttachInfoResp struct {
	Interface         string `json:"interface"`
	Domain            string `json:"domain"`
	Provider          string `json:"provider"`
	SecondaryProvider int    `json:"secondary_provider"`
	SRX               int    `json:"srx"`
}

type PoolConnectReq struct {
	UUID  string `json:"uuid"`
	Flags uint32 `json:"flags"`
}

type PoolConnectResp struct {
	Handle uint64 `json:"handle"`
}

type PoolDisconnectReq struct {
	Handle uint64 `json:"handle"`
}

type PoolMonitorReq struct {
	UUID string `json:"uuid"`
}

type PoolMonitorResp struct {
	Connected bool `json:"connected"`
}

type SetupClientTelemetryReq struct {
	ShmKey int `json:"shm_key"`
}

func writeRequest(w io.Writer, req Request) error {
	hdr := make([]byte, reqHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(8+len(req.Body)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(req.Module))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(req.Method))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(req.Body)
	return err
}

func readRequest(r io.Reader) (Request, error) {
	hdr := make([]byte, reqHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Request{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < 8 || length > MaxBodySize+8 {
		return Request{}, errs.New("drpc.readRequest", errs.Truncated, nil)
	}
	req := Request{
		Module: int32(binary.LittleEndian.Uint32(hdr[4:8])),
		Method: int32(binary.LittleEndian.Uint32(hdr[8:12])),
		Body:   make([]byte, length-8),
	}
	if _, err := io.ReadFull(r, req.Body); err != nil {
		return Request{}, err
	}
	return req, nil
}

// status 0 is success; a nonzero status carries errs.Kind + 1.

func writeResponse(w io.Writer, status int32, body []byte) error {
	hdr := make([]byte, respHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(status))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readResponse(r io.Reader) (int32, []byte, error) {
	hdr := make([]byte, respHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < 4 || length > MaxBodySize+4 {
		return 0, nil, errs.New("drpc.readResponse", errs.Truncated, nil)
	}
	status := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func statusOf(err error) int32 {
	var e *errs.Error
	if errors.As(err, &e) {
		return int32(e.Kind) + 1
	}
	return int32(errs.IO) + 1
}

func statusErr(op string, status int32) error {
	if status == 0 {
		return nil
	}
	return errs.New(op, errs.Kind(status-1), nil)
}
