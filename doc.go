// Package psrp provides a complete PowerShell Remoting Protocol (PSRP) client
// with WinRM/WSMan transport support.
//
// This package builds upon psrpcore (the sans-IO protocol logic, in-tree
// under psrpcore/) by adding:
//   - WSMan/WinRM transport layer (HTTP/HTTPS with SOAP)
//   - NTLM and Basic authentication
//   - High-level client API for easy PowerShell remoting
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  client/       High-level convenience API               │
//	├─────────────────────────────────────────────────────────┤
//	│  powershell/   RunspacePool + Pipeline management       │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/        WSMan/WinRM transport layer              │
//	├─────────────────────────────────────────────────────────┤
//	│  psrpcore/     Sans-IO PSRP protocol (serialization,     │
//	│                fragments, messages, keyexchange,         │
//	│                hostcall, runspace, pipeline, outofproc)  │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.Username = "administrator"
//	cfg.Password = "password"
//	cfg.AuthType = client.AuthNTLM
//
//	c, err := client.New("server.example.com", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(ctx)
//
//	result, err := c.Execute(ctx, "Get-Process | Select -First 5")
package psrp
