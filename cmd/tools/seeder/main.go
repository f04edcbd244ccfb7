package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/config"
	"github.com/noah-isme/m1cart-orders/internal/repo"
)

type seedProduct struct {
	Seller   string
	Name     string
	Price    int64
	Category string
	Image    string
}

var products = []seedProduct{
	{"seller-1", "Wireless Earbuds", 4999, "electronics", "https://picsum.photos/seed/earbuds/400"},
	{"seller-1", "USB-C Charger 65W", 2999, "electronics", "https://picsum.photos/seed/charger/400"},
	{"seller-1", "Mechanical Keyboard", 8900, "electronics", "https://picsum.photos/seed/keyboard/400"},
	{"seller-2", "Cotton T-Shirt", 1500, "fashion", "https://picsum.photos/seed/tshirt/400"},
	{"seller-2", "Denim Jacket", 6500, "fashion", "https://picsum.photos/seed/jacket/400"},
	{"seller-2", "Canvas Sneakers", 4200, "fashion", "https://picsum.photos/seed/sneakers/400"},
	{"seller-3", "Ceramic Mug", 1200, "home-living", "https://picsum.photos/seed/mug/400"},
	{"seller-3", "Scented Candle", 1800, "home-living", "https://picsum.photos/seed/candle/400"},
}

// seeder loads a small multi-seller catalog and prints development tokens for
// each role.
func main() {
	tokens := flag.Bool("tokens", true, "print development access tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DatabaseURL, "m1cart-orders-seeder", 2)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	fmt.Println("Seeding products...")
	for _, p := range products {
		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO products (seller_id, name, price, category, image)
			SELECT $1::text, $2::text, $3::bigint, $4::text, $5::text
			WHERE NOT EXISTS (SELECT 1 FROM products WHERE seller_id = $1 AND name = $2)
			RETURNING id`, p.Seller, p.Name, p.Price, p.Category, p.Image).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			log.Fatalf("seed product %s: %v", p.Name, err)
		}
		fmt.Printf("  %d %s (%s)\n", id, p.Name, p.Seller)
	}

	if !*tokens {
		return
	}
	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})
	if err != nil {
		log.Fatalf("token verifier: %v", err)
	}
	principals := []auth.Principal{
		{UserID: "buyer-1", Role: "buyer", Name: "Budi Santoso", Email: "budi@example.com"},
		{UserID: "seller-1", Role: "seller", Name: "Gadget Store"},
		{UserID: "seller-2", Role: "seller", Name: "Fashion Corner"},
		{UserID: "admin-1", Role: "admin", Name: "Admin"},
	}
	fmt.Println("Development tokens (24h):")
	for _, p := range principals {
		tok, err := verifier.Sign(p, 24*time.Hour)
		if err != nil {
			log.Fatalf("sign token for %s: %v", p.UserID, err)
		}
		fmt.Printf("  %-8s %s\n", p.Role, tok)
	}
}
