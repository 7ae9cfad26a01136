package server

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/stretchr/testify/assert"
)

var mockWorldState = common.WorldOfTime(time.Unix(1000, 0))

func TestParseConfig(t *testing.T) {
	f, err := ioutil.TempFile("", "chanmux_config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	_, _ = f.WriteString(`{
	"BindAddr": ["127.0.0.1:7000"],
	"WebSocketAddr": "127.0.0.1:7001",
	"Services": {"echo/": "echo"},
	"RxRate": 1000
}`)
	_ = f.Close()

	raw, err := ParseConfig(f.Name())
	assert.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:7000"}, raw.BindAddr)
	assert.Equal(t, "127.0.0.1:7001", raw.WebSocketAddr)
	assert.Equal(t, map[string]string{"echo/": "echo"}, raw.Services)
	assert.Equal(t, int64(1000), raw.RxRate)

	t.Run("malformed", func(t *testing.T) {
		bad, _ := ioutil.TempFile("", "chanmux_config")
		defer os.Remove(bad.Name())
		_, _ = bad.WriteString("{")
		_ = bad.Close()
		_, err := ParseConfig(bad.Name())
		assert.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ParseConfig(f.Name() + ".nothing")
		assert.Error(t, err)
	})
}

func TestInitState(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		sta, err := InitState(RawConfig{WebSocketAddr: ":0"}, mockWorldState)
		assert.NoError(t, err)
		assert.Equal(t, defaultWebSocketPath, sta.WebSocketPath)
		assert.Nil(t, sta.Ledger)
		assert.NotNil(t, sta.Sessions)
		assert.NotNil(t, sta.Dispatcher)
	})

	t.Run("path without slash", func(t *testing.T) {
		sta, err := InitState(RawConfig{WebSocketAddr: ":0", WebSocketPath: "tunnel"}, mockWorldState)
		assert.NoError(t, err)
		assert.Equal(t, "/tunnel", sta.WebSocketPath)
	})

	t.Run("bind addresses", func(t *testing.T) {
		sta, err := InitState(RawConfig{BindAddr: []string{"127.0.0.1:7000", ":7002"}}, mockWorldState)
		assert.NoError(t, err)
		assert.Len(t, sta.BindAddr, 2)
		assert.Equal(t, "127.0.0.1:7000", sta.BindAddr[0].String())
	})

	t.Run("nothing to listen on", func(t *testing.T) {
		_, err := InitState(RawConfig{}, mockWorldState)
		assert.Error(t, err)
	})

	t.Run("bad bind address", func(t *testing.T) {
		_, err := InitState(RawConfig{BindAddr: []string{"not an address"}}, mockWorldState)
		assert.Error(t, err)
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := InitState(RawConfig{WebSocketAddr: ":0", Services: map[string]string{"x": "teleport"}}, mockWorldState)
		assert.Error(t, err)
	})

	t.Run("with ledger", func(t *testing.T) {
		tmpDB, _ := ioutil.TempFile("", "chanmux_usage")
		defer os.Remove(tmpDB.Name())
		sta, err := InitState(RawConfig{WebSocketAddr: ":0", DatabasePath: tmpDB.Name()}, mockWorldState)
		assert.NoError(t, err)
		if assert.NotNil(t, sta.Ledger) {
			_ = sta.Ledger.Close()
		}
	})
}
