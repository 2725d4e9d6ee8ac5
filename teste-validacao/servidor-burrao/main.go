package main

// Upstream "burro" para validar o gateway na mão: não tem limite nenhum,
// só responde e loga o request id que o gateway propagou.

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	mux := http.NewServeMux()
	mux.HandleFunc("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
		log.WithField("request_id", r.Header.Get("X-Request-ID")).Info("alguém acessou /showTela")
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"fake"}`))
		log.WithField("request_id", r.Header.Get("X-Request-ID")).Info("login recebido")
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	log.WithField("addr", addr).Info("servidor rodando")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Fatal("erro ao subir o servidor")
	}
}
