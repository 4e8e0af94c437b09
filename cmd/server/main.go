package main

import "github.com/eleven-am/vision-backend/internal/bootstrap"

func main() {
	bootstrap.Run()
}
