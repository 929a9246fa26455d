package main

import (
	"fmt"
	"time"

	"viewbft/config"
	"viewbft/node"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	n, err := node.NewNode(conf)
	if err != nil {
		panic(err)
	}
	if err = n.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 10)
	if err = n.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if n.IsFaultyNode() {
		select {}
	}
	fmt.Println("node starts the consensus!")
	go n.HandleMsgLoop()
	go func() {
		if fatal := <-n.Err(); fatal != nil {
			fmt.Printf("voting halted: %v\n", fatal)
		}
	}()
	n.RunLoop()
}
