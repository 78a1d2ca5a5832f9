// Command duet-peer is a terminal client for one side of a conversation.
// It drives the message, quiz and call engines over a relay connection.
package main

func main() {
	Execute()
}
