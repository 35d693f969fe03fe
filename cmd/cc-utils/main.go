// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ccwienk-org/cc-utils/cmd/cc-utils/app"
)

func main() {
	ctx := context.Background()
	cmd := app.NewCcUtilsCommand(ctx)
	if err := cmd.Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
