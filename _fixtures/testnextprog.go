package main

import "fmt"

func helper() string {
	return "help"
}

func main() {
	s := helper()
	fmt.Println(s)
}
