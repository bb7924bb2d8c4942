/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package drpc_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vosdb/vosengine/drpc"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/vos/errs"
)

func startServer(t *testing.T, fab config.Fabric) (*drpc.Server, *drpc.Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "vos-drpc-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "engine.sock")
	srv, err := drpc.Listen(sock, fab)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	cl, err := drpc.Dial(sock, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return srv, cl
}

func TestGetAttachInfo(t *testing.T) {
	fab := config.Fabric{
		Interface:         "eth0",
		Domain:            "mlx5_0",
		Provider:          "ofi+tcp",
		SecondaryProvider: 1,
		SRX:               1,
	}
	_, cl := startServer(t, fab)

	info, err := cl.GetAttachInfo()
	require.NoError(t, err)
	require.Equal(t, "eth0", info.Interface)
	require.Equal(t, "mlx5_0", info.Domain)
	require.Equal(t, "ofi+tcp", info.Provider)
	require.Equal(t, 1, info.SecondaryProvider)
	require.Equal(t, 1, info.SRX)
}

func TestPoolConnectDisconnectMonitor(t *testing.T) {
	_, cl := startServer(t, config.DefaultFabric())

	poolID := uuid.NewString()
	hdl, err := cl.PoolConnect(poolID, 0)
	require.NoError(t, err)
	require.NotZero(t, hdl)

	connected, err := cl.PoolMonitor(poolID)
	require.NoError(t, err)
	require.True(t, connected)

	require.NoError(t, cl.PoolDisconnect(hdl))

	connected, err = cl.PoolMonitor(poolID)
	require.NoError(t, err)
	require.False(t, connected)

	// double disconnect: the handle is gone
	err = cl.PoolDisconnect(hdl)
	require.True(t, errs.Is(err, errs.NoHandle))
}

func TestPoolConnectRejectsBadUUID(t *testing.T) {
	_, cl := startServer(t, config.DefaultFabric())
	_, err := cl.PoolConnect("not-a-uuid", 0)
	require.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestNotifyExit(t *testing.T) {
	srv, cl := startServer(t, config.DefaultFabric())
	require.False(t, srv.ClientExited())
	require.NoError(t, cl.NotifyExit())
	require.True(t, srv.ClientExited())
}

func TestUnknownMethod(t *testing.T) {
	_, cl := startServer(t, config.DefaultFabric())
	_, err := cl.Call(drpc.ModuleEngine, 9999, nil)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestSetupClientTelemetry(t *testing.T) {
	_, cl := startServer(t, config.DefaultFabric())
	require.NoError(t, cl.SetupClientTelemetry(42))
}
