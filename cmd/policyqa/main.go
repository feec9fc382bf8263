// Package main is the entry point for the policy QA service.
package main

import (
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/kart-io/policyqa/cmd/policyqa/app"
)

func main() {
	app.NewApp().Run()
}
