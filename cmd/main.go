// Copyright 2025 Centian Contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log"
	"os"

	"github.com/centianhq/aproxy/internal/cli"
	"github.com/centianhq/aproxy/internal/config"
	urfavecli "github.com/urfave/cli/v3"
)

// version is set by build flags during release.
var version = "dev"

func main() {
	// Create CLI app
	app := &urfavecli.Command{
		Name:                  "aproxy",
		Description:           "Aggregate MCP tool servers behind one namespaced, discoverable proxy.",
		Usage:                 "aproxy server start",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*urfavecli.Command{
			config.ConfigCommand,
			cli.AuthCommand,
			cli.ServerCommand,
		},
	}

	// Run the CLI app
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
