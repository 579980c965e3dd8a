// Command examples drives the Go SDK against an in-process stub of the
// OpenSouk-Chain gateway. It shows the usual flow: authenticate, list a
// product, submit a task and fetch its outcome.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenSouk-Chain/sdk/go/opensouk"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opensouk.Token{
			AccessToken: "demo-token",
			TokenType:   "Bearer",
			ExpiresIn:   900,
		})
	})
	mux.HandleFunc("/api/v1/products", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(opensouk.Product{
				ID:            "prod-demo",
				SKU:           "TEA-001",
				Name:          "Teh Tarik Sachets",
				Category:      "beverage",
				PriceAmount:   1500,
				PriceCurrency: "MYR",
				Stock:         24,
				Seller:        "seller-demo",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(opensouk.Task{
				ID:        "task-demo",
				Kind:      opensouk.KindCertificationReview,
				Status:    opensouk.TaskPending,
				CreatedAt: time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opensouk.Task{
			ID:     "task-demo",
			Kind:   opensouk.KindCertificationReview,
			Status: opensouk.TaskSucceeded,
			Result: &opensouk.TaskResult{
				Summary:     "certification review finished",
				Agent:       "certifier-1",
				CompletedAt: time.Now().Unix(),
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := opensouk.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, opensouk.Credentials{Username: "admin", Password: "admin-dev-only"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated, token expires in %ds\n", token.ExpiresIn)

	product, err := client.AddProduct(ctx, opensouk.AddProductInput{
		SKU:         "TEA-001",
		Name:        "Teh Tarik Sachets",
		Category:    "beverage",
		PriceAmount: 1500,
		Stock:       24,
		Seller:      "seller-demo",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("listed product %s (%s) at %d %s\n", product.ID, product.SKU, product.PriceAmount, product.PriceCurrency)

	submitted, err := client.SubmitTask(ctx, opensouk.SubmitTaskInput{
		Kind: opensouk.KindCertificationReview,
		Goal: "review certification for " + product.ID,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", submitted.ID, submitted.Status)

	detail, err := client.GetTask(ctx, submitted.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("retrieved task %s status=%s summary=%q\n", detail.ID, detail.Status, detail.Result.Summary)
}
