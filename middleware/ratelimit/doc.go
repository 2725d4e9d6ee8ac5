// Package ratelimit fornece adapters HTTP (net/http) para o rate limit por pontos
// e para o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos (registro, decisão, erros), sem net/http
//   - application: casos de uso (consume/peek/clean, sweeper, acquire com timeout)
//   - infra: storages (SQL via gorm, Redis, memória), breaker, estatísticas, semáforo
//   - ratelimit (este pacote): middlewares HTTP, extração de chave, políticas por rota
//     e tradução da decisão para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (header/XFF/IP) e escolhe a política da rota
//  2. Chama application.Service.Consume com a chave "<política>:<cliente>"
//  3. Se bloqueado, responde 429 com Retry-After; se o storage falhou, 503 ou
//     deixa passar conforme FailOpen
//  4. Se permitido, chama o próximo handler (ex: reverse proxy)
package ratelimit
