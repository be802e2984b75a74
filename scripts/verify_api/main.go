package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
)

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func post(url string, body interface{}) (*http.Response, error) {
	reqBody, _ := json.Marshal(body)
	return http.Post(url, "application/json", bytes.NewBuffer(reqBody))
}

func get(url, token string) (int, string) {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		glog.Exitf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	user := flag.String("user", "test_user", "username")
	peer := flag.String("peer", "test_peer", "conversation peer")
	password := flag.String("password", "changeme", "password")
	flag.Parse()
	defer glog.Flush()

	creds := map[string]string{"username": *user, "password": *password}

	// 1. Register, which fails harmlessly when the user exists, then login
	if resp, err := post(*apiAddr+"/auth/register", creds); err == nil {
		resp.Body.Close()
		fmt.Printf("register: %d\n", resp.StatusCode)
	}
	resp, err := post(*apiAddr+"/auth/login", creds)
	if err != nil {
		glog.Exit(err)
	}
	defer resp.Body.Close()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil || loginResp.Token == "" {
		glog.Exitf("login failed: status %d, %v", resp.StatusCode, err)
	}
	fmt.Printf("Token: %s...\n", loginResp.Token[:10])

	// 2. The rest of the read surface
	for _, path := range []string{
		"/messages/" + *user + "/" + *peer,
		"/users",
		"/presence/" + *peer,
		"/conversations",
	} {
		status, body := get(*apiAddr+path, loginResp.Token)
		fmt.Printf("GET %s -> %d %s", path, status, body)
	}
}
