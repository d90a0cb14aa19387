package main

import "fmt"

func nest3() {
	fmt.Println("deep")
}

func nest2() {
	nest3()
}

func nest1() {
	nest2()
}

func main() {
	nest1()
}
