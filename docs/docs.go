// Package docs holds the hand-maintained swagger spec for ptyctl's small
// operator-facing HTTP surface (/health, /monitor), in the format `swag
// init` generates. ptyctl's primary surface is the MCP tool interface at
// /mcp, which the MCP SDK's own clients introspect directly; this spec
// documents only the Gin routes a human operator might hit with a browser
// or curl.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "description": "Reports process liveness plus registry counters: live session count and cumulative reaper activity.",
                "produces": ["application/json"],
                "tags": ["operator"],
                "summary": "Health check",
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/monitor/{session_id}": {
            "get": {
                "description": "Upgrades to a websocket and streams a session's ring-buffer output read-only: the tail buffered so far, then new bytes as the pump appends them. Never writes to the session.",
                "produces": ["application/json"],
                "tags": ["operator"],
                "summary": "Read-only session output monitor",
                "parameters": [
                    {
                        "type": "string",
                        "description": "session id",
                        "name": "session_id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "101": {
                        "description": "Switching Protocols"
                    },
                    "404": {
                        "description": "Not Found"
                    }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported swagger info, filled by main.go before the
// router starts serving; the host is applied at runtime since the listen
// address isn't known until config.Load runs.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0-preview",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "ptyctl",
	Description:      "Interactive SSH/Telnet session controller, driven over JSON-RPC/MCP.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
