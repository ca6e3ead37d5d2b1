package main

import "github.com/senni000/crypto-data-binance/internal/cli"

func main() {
	cli.Execute()
}
