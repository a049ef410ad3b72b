// Package docs registers the swagger spec for the admin/debug API's
// /swagger UI, in the shape `swag init` would generate.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "title": "{{escape .Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "tags": ["system"],
                "summary": "Health check",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/stats": {
            "get": {
                "tags": ["system"],
                "summary": "Runtime statistics",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/routes": {
            "get": {
                "tags": ["routes"],
                "summary": "Live route table",
                "responses": {"200": {"description": "ok"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "s2s connector admin API",
	Description:      "Read-only operational status for the s2s connector.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
