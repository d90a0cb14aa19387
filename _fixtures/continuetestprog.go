package main

import "fmt"

func sayhi() {
	fmt.Println("hi")
}

func main() {
	sayhi()
}
