// Package main generates operator credentials: JWTs and API keys.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shipmate-io/shipmate/internal/auth"
)

func main() {
	operator := flag.String("operator", "admin", "Operator name for the token")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration")
	apiKey := flag.Bool("api-key", false, "Generate an API key instead of a JWT")
	flag.Parse()

	if *apiKey {
		raw, hash, err := auth.GenerateAPIKey(*operator)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(raw)
		fmt.Fprintf(os.Stderr, "Store this hash in settings under api_key_hash:%s\n%s\n", *operator, hash)
		return
	}

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		os.Exit(1)
	}
	if len(jwtSecret) < 32 {
		fmt.Fprintln(os.Stderr, "Error: JWT secret must be at least 32 characters")
		os.Exit(1)
	}

	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}, nil, nil)

	token, err := svc.GenerateToken(*operator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
