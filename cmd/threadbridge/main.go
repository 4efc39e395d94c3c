package main

import (
	"github.com/entrepeneur4lyf/threadbridge/cmd/threadbridge/cmd"

	// Registers the libsql driver for store.driver=libsql.
	_ "github.com/tursodatabase/go-libsql"
)

func main() {
	cmd.Execute()
}
