// Command taskforge runs batches of dependent tasks across a pool of workers.
package main

func main() {
	Execute()
}
