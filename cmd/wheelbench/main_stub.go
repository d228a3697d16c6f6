//go:build !linux || !(amd64 || arm64)

package main

import "log"

func main() {
	log.Fatal("wheelbench requires linux on amd64 or arm64")
}
