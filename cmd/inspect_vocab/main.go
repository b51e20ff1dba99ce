package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
)

func main() {
	path := flag.String("vocab", ".cache/tree-lstm/models/target.vocab", "vocabulary file written by the train command")
	limit := flag.Int("n", 40, "number of tokens to print")
	flag.Parse()

	v, err := vocab.Load(*path)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Vocabulary size: %d\n\n", v.Size())
	fmt.Printf("First %d tokens:\n", *limit)
	for i, tok := range v.Tokens() {
		if i >= *limit {
			break
		}
		fmt.Printf("ID %2d: %q\n", i, tok)
	}
}
