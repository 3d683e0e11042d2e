package logging

import (
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "lineopt ", log.LstdFlags|log.LUTC)
}
