/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command termrelay runs the terminal relay broker: the pairing and
// session engine that mediates between apps and runners.
package main

import (
	"fmt"
	"os"

	"github.com/gravitational/kingpin"

	"github.com/gravitational/termrelay/tool/termrelay/common"
)

func main() {
	app := kingpin.New("termrelay", "Terminal relay broker.")
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()

	startCmd := app.Command("start", "Start the broker and serve until terminated.")
	versionCmd := app.Command("version", "Print the broker version.")

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch cmd {
	case startCmd.FullCommand():
		if err := common.Run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case versionCmd.FullCommand():
		common.PrintVersion()
	}
}
