package main

import "time"

func main() {
	for i := 0; i < 3000; i++ {
		time.Sleep(10 * time.Millisecond)
	}
}
