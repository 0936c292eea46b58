// Package server 包含 HTTP, HTTP 上报, WebSocket, 反向 WebSocket 与 pprof 传输层的实现
//
// 每个传输层都只与 obc.Peer 交互, 因此同时适用于实现端与应用端.
package server

import "github.com/Mrs4s/go-onebot/modules/servers"

// 注册
func init() {
	servers.Register("http", buildHTTP)
	servers.Register("http-post", buildHTTPPost)
	servers.Register("ws", buildWSServer)
	servers.Register("ws-reverse", buildWSReverse)
	servers.Register("pprof", buildPprof)
}
