package config

import "embed"

const storageSchemaFile = "schema/storage.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
