package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type apiError struct {
	Code string `json:"code"`
}

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	base := os.Getenv("ONCO_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	password := "smoke-" + uuid.NewString()

	if code := call(base, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": email, "password": password, "full_name": "Smoke Test",
	}, nil); code != http.StatusCreated {
		log.Fatalf("register: status %d", code)
	}

	var login tokens
	if code := call(base, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": password,
	}, &login); code != http.StatusOK {
		log.Fatalf("login: status %d", code)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/v1/protected/ping", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-RateLimit-Limit") == "" {
		log.Fatalf("ping: status %d, limit header %q", resp.StatusCode, resp.Header.Get("X-RateLimit-Limit"))
	}

	var rotated tokens
	if code := call(base, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": login.RefreshToken,
	}, &rotated); code != http.StatusOK {
		log.Fatalf("refresh: status %d", code)
	}

	var replay apiError
	if code := call(base, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": login.RefreshToken,
	}, &replay); code != http.StatusUnauthorized || replay.Code != "token_reuse_detected" {
		log.Fatalf("replay: expected reuse detection, got %d %q", code, replay.Code)
	}

	if addr := os.Getenv("ONCO_SMOKE_GRPC_ADDR"); addr != "" {
		checkGRPC(addr, rotated.AccessToken)
	}

	fmt.Printf("gate smoke test passed: principal=%s\n", email)
}

func call(base, method, path string, body, out any) int {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(method, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func checkGRPC(addr, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc %s: %v", addr, err)
	}
	defer conn.Close()

	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	var header metadata.MD
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %s", resp.GetStatus())
	}
	if len(header.Get("x-ratelimit-limit")) == 0 {
		log.Fatalf("grpc health: missing rate limit metadata")
	}
}
